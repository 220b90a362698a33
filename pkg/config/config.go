package config

import (
	"net/http"
	"os"
	"strings"
	"time"

	ce "github.com/cainmagi/dash-uploader/pkg/errors"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

const DefaultAppName = "dash-uploader"

const (
	HeaderRequestId     = "X-Request-Id"
	RequestIdLoggingKey = "request_id"
)

// SkipLogging mutes request logs for the probe-style endpoints that
// fire on every page load.
func SkipLogging(c echo.Context) bool {
	path := c.Request().URL.Path
	return path == "/ping" || path == "/ping/"
}

// Collision policies for a final file path that already exists.
const (
	CollisionOverwrite = "overwrite"
	CollisionReject    = "reject"
	CollisionRename    = "rename"
)

type Configuration struct {
	Upload     Upload     `mapstructure:"upload"`
	Retry      Retry      `mapstructure:"retry"`
	Logging    Logging    `mapstructure:"logging"`
	Cloudwatch Cloudwatch `mapstructure:"cloudwatch"`
	Metrics    Metrics    `mapstructure:"metrics"`
	Kafka      Kafka      `mapstructure:"kafka"`
	Server     Server     `mapstructure:"server"`
	Loaded     bool
}

// Upload is the configuration surface of the protocol handler. Sizes
// are megabytes, matching what the browser component declares.
type Upload struct {
	// FolderRoot is where chunks are staged and final files land.
	FolderRoot string `mapstructure:"folder_root"`
	// UseUploadID namespaces files under folder_root/<upload_id>/.
	UseUploadID bool `mapstructure:"use_upload_id"`
	// MaxFileSizeMb limits a single file's declared total size.
	MaxFileSizeMb float64 `mapstructure:"max_file_size_mb"`
	// MaxTotalSizeMb limits the cumulative declared size of a session.
	MaxTotalSizeMb float64 `mapstructure:"max_total_size_mb"`
	// Filetypes is an extension allow list ("zip", "csv", ...).
	// Empty means all extensions are accepted.
	Filetypes []string `mapstructure:"filetypes"`
	// CollisionPolicy decides what happens when a final file path
	// already exists: overwrite, reject or rename.
	CollisionPolicy string `mapstructure:"collision_policy"`
	// AllowedOrigins configures CORS for the upload endpoints.
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type Retry struct {
	WaitMs    int `mapstructure:"wait_ms"`
	MaxTimeMs int `mapstructure:"max_time_ms"`
}

func (r Retry) Wait() time.Duration    { return time.Duration(r.WaitMs) * time.Millisecond }
func (r Retry) MaxTime() time.Duration { return time.Duration(r.MaxTimeMs) * time.Millisecond }

type Logging struct {
	Level   string `mapstructure:"level"`
	Console bool   `mapstructure:"console"`
}

type Cloudwatch struct {
	Region  string `mapstructure:"region"`
	Key     string `mapstructure:"key"`
	Secret  string `mapstructure:"secret"`
	Session string `mapstructure:"session"`
	Group   string `mapstructure:"group"`
	Stream  string `mapstructure:"stream"`
}

type Kafka struct {
	// Servers is a comma separated bootstrap server list. Empty
	// disables the completion notifications.
	Servers string `mapstructure:"servers"`
	Topic   string `mapstructure:"topic"`
}

type Metrics struct {
	// Path the metrics server listens on for metric traffic.
	Path string `mapstructure:"path"`
	// Port the metrics server listens on for metric traffic.
	Port int `mapstructure:"port"`
}

type Server struct {
	Addr string `mapstructure:"addr"`
	// Api is the upload endpoint path registered on the echo engine.
	Api string `mapstructure:"api"`
}

const (
	DefaultUploadApi      = "/API/resumable"
	DefaultMaxFileSizeMb  = 1024
	DefaultMaxTotalSizeMb = 5 * 1024
	DefaultRetryWaitMs    = 30
	DefaultRetryMaxTimeMs = 5000
)

var LoadedConfig Configuration

func Get() *Configuration {
	if !LoadedConfig.Loaded {
		Load()
	}
	return &LoadedConfig
}

func readConfigFile(v *viper.Viper) {
	v.SetConfigName("config.yaml")
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs/")
	v.AddConfigPath("../../configs/")

	if path, ok := os.LookupEnv("CONFIG_PATH"); ok {
		v.AddConfigPath(path)
	}
	err := v.ReadInConfig()
	if err != nil {
		log.Logger.Warn().Msgf("config.yaml file not loaded: %s", err.Error())
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("Loaded", true)
	// In viper you have to set defaults, otherwise loading from ENV doesn't work
	//   without a config file present
	v.SetDefault("upload.folder_root", "uploads")
	v.SetDefault("upload.use_upload_id", true)
	v.SetDefault("upload.max_file_size_mb", DefaultMaxFileSizeMb)
	v.SetDefault("upload.max_total_size_mb", DefaultMaxTotalSizeMb)
	v.SetDefault("upload.filetypes", []string{})
	v.SetDefault("upload.collision_policy", CollisionOverwrite)
	v.SetDefault("upload.allowed_origins", []string{"*"})

	v.SetDefault("retry.wait_ms", DefaultRetryWaitMs)
	v.SetDefault("retry.max_time_ms", DefaultRetryMaxTimeMs)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.console", false)

	v.SetDefault("cloudwatch.region", "")
	v.SetDefault("cloudwatch.group", "")
	v.SetDefault("cloudwatch.stream", DefaultLogwatchStream())
	v.SetDefault("cloudwatch.session", "")
	v.SetDefault("cloudwatch.secret", "")
	v.SetDefault("cloudwatch.key", "")

	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("metrics.port", 9000)

	v.SetDefault("kafka.servers", "")
	v.SetDefault("kafka.topic", "platform.upload.completed")

	v.SetDefault("server.addr", ":8000")
	v.SetDefault("server.api", DefaultUploadApi)
}

func Load() {
	v := viper.New()

	readConfigFile(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	err := v.Unmarshal(&LoadedConfig)
	if err != nil {
		panic(err)
	}

	if err = Validate(&LoadedConfig); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
}

// Validate rejects option values that would otherwise surface as
// confusing runtime failures.
func Validate(conf *Configuration) error {
	switch conf.Upload.CollisionPolicy {
	case CollisionOverwrite, CollisionReject, CollisionRename:
	default:
		return ce.NewBadRequest("unknown collision policy %q", conf.Upload.CollisionPolicy)
	}
	if conf.Upload.MaxFileSizeMb <= 0 {
		return ce.NewBadRequest("upload.max_file_size_mb must be positive")
	}
	if conf.Upload.MaxTotalSizeMb < conf.Upload.MaxFileSizeMb {
		return ce.NewBadRequest("upload.max_total_size_mb cannot be smaller than upload.max_file_size_mb")
	}
	if conf.Retry.WaitMs < 0 || conf.Retry.MaxTimeMs < 0 {
		return ce.NewBadRequest("retry intervals cannot be negative")
	}
	return nil
}

func DefaultLogwatchStream() string {
	hostname, err := os.Hostname()
	if err != nil {
		log.Error().Err(err).Msg("Could not read hostname")
		return DefaultAppName
	}
	return hostname
}

func ProgramString() string {
	return strings.Join(os.Args, " ")
}

func CustomHTTPErrorHandler(err error, c echo.Context) {
	var code int
	var message ce.ErrorResponse

	if c.Response().Committed {
		c.Logger().Error(err)
		return
	}

	if errResp, ok := err.(ce.ErrorResponse); ok {
		code = ce.GetGeneralResponseCode(errResp)
		message = errResp
	} else if he, ok := err.(*echo.HTTPError); ok {
		errResp := ce.NewErrorResponseFromEchoError(he)
		code = errResp.Errors[0].Status
		message = errResp
	} else {
		code = http.StatusInternalServerError
		message = ce.NewErrorResponse(code, "", http.StatusText(http.StatusInternalServerError))
	}

	// Send response
	if c.Request().Method == http.MethodHead {
		err = c.NoContent(code)
	} else {
		err = c.JSON(code, message)
	}
	if err != nil {
		log.Logger.Error().Err(err)
	}
}
