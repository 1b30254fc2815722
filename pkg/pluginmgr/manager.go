package pluginmgr

import (
	"strings"

	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/b2publish/b2plugin/pkg/b2"
	"github.com/b2publish/b2plugin/pkg/dispatch"
	"github.com/b2publish/b2plugin/pkg/handlers"
	"github.com/b2publish/b2plugin/pkg/plugin"
	"github.com/b2publish/b2plugin/pkg/s3compat"
	"github.com/b2publish/b2plugin/pkg/uploader"
)

// Manager wires the plugin's components together from one configuration.
type Manager struct {
	Logger      plugin.Logger
	Cfg         *viper.Viper
	Client      *b2.Client
	Credentials b2.Credentials
	Upload      uploader.Config
	// Revisions is nil unless an S3-compatible endpoint is configured.
	Revisions  plugin.RevisionLister
	Dispatcher *dispatch.Dispatcher
}

// NewManager recognizes the options "config-file" (string), "logger"
// (plugin.Logger) and "log-level" (string). Without a config file the
// default search path is ./configs/b2plugin.* and its absence is tolerated.
func NewManager(userCfg map[string]interface{}) (*Manager, error) {
	var err error
	mgr := &Manager{}

	if cfgPathRaw, ok := userCfg["config-file"]; ok {
		if cfgPath, ok := cfgPathRaw.(string); ok {
			err = mgr.initConfig(&cfgPath)
		} else {
			return nil, errors.New("option 'config-file' must be of type string")
		}
	} else {
		err = mgr.initConfig(nil)
	}
	if err != nil {
		return nil, err
	}

	if levelRaw, ok := userCfg["log-level"]; ok {
		level, ok := levelRaw.(string)
		if !ok {
			return nil, errors.New("option 'log-level' must be of type string")
		}
		if level != "" {
			mgr.Cfg.Set("log-level", level)
		}
	}

	if loggerRaw, ok := userCfg["logger"]; ok {
		if logger, ok := loggerRaw.(plugin.Logger); ok {
			mgr.Logger = logger
		} else {
			return nil, errors.New("option 'logger' must satisfy plugin.Logger")
		}
	} else {
		logger := logrus.New()
		level, err := logrus.ParseLevel(mgr.Cfg.GetString("log-level"))
		if err != nil {
			return nil, errors.Wrap(err, "Invalid log-level")
		}
		logger.SetLevel(level)
		mgr.Logger = logger
	}

	if err := mgr.initServices(); err != nil {
		return nil, err
	}
	return mgr, nil
}

func (self *Manager) initConfig(cfgPath *string) error {
	// This is a private viper context just for the plugin (so as not to
	// conflict with the importer's usage).
	self.Cfg = viper.New()

	self.Cfg.SetDefault("log-level", "info")
	self.Cfg.SetDefault("b2.endpoint", b2.DefaultEndpoint)
	self.Cfg.SetDefault("b2.api-timeout", b2.DefaultAPITimeout)
	self.Cfg.SetDefault("b2.upload-timeout", b2.DefaultUploadTimeout)
	def := uploader.DefaultConfig()
	self.Cfg.SetDefault("upload.max-attempts", def.MaxAttempts)
	self.Cfg.SetDefault("upload.base-delay", def.BaseDelay)
	self.Cfg.SetDefault("upload.max-delay", def.MaxDelay)
	self.Cfg.SetDefault("upload.workers", def.Workers)
	self.Cfg.SetDefault("s3.endpoint", "")

	// Order of precedence: B2_* variables, B2PLUGIN_* variables, config file, defaults
	self.Cfg.SetEnvPrefix("b2plugin")
	self.Cfg.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	self.Cfg.AutomaticEnv()
	self.Cfg.BindEnv("credentials.account-id", "B2_ACCOUNT_ID", "B2PLUGIN_CREDENTIALS_ACCOUNT_ID")
	self.Cfg.BindEnv("credentials.application-key", "B2_APPLICATION_KEY", "B2PLUGIN_CREDENTIALS_APPLICATION_KEY")
	self.Cfg.BindEnv("b2.endpoint", "B2_ENDPOINT", "B2PLUGIN_B2_ENDPOINT")

	if cfgPath != nil {
		path, err := homedir.Expand(*cfgPath)
		if err != nil {
			return errors.Wrap(err, "Failed to expand config path")
		}
		// Use config file from the flag.
		self.Cfg.SetConfigFile(path)
		if err := self.Cfg.ReadInConfig(); err != nil {
			return errors.Wrap(err, "Failed to load config")
		}
		return nil
	}

	// default search path for config is ./configs/b2plugin.* (* can be json, yaml, etc)
	self.Cfg.AddConfigPath("./configs")
	self.Cfg.SetConfigName("b2plugin")
	if err := self.Cfg.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return errors.Wrap(err, "Failed to load config")
	}
	return nil
}

// section copies prefix.* into a fresh viper. Unlike Sub it keeps values
// that came from the environment.
func (self *Manager) section(prefix string, keys ...string) *viper.Viper {
	out := viper.New()
	for _, k := range keys {
		full := prefix + "." + k
		if self.Cfg.IsSet(full) {
			out.Set(k, self.Cfg.Get(full))
		}
	}
	return out
}

func (self *Manager) initServices() error {
	self.Credentials = b2.Credentials{
		AccountID:      self.Cfg.GetString("credentials.account-id"),
		ApplicationKey: self.Cfg.GetString("credentials.application-key"),
	}

	self.Client = b2.NewClient(
		self.Logger.WithField("module", "b2"),
		self.section("b2", "endpoint", "api-timeout", "upload-timeout"))

	self.Upload = uploader.ConfigFromViper(
		self.section("upload", "max-attempts", "base-delay", "max-delay", "workers"))

	if self.Cfg.GetString("s3.endpoint") != "" {
		lister, err := s3compat.NewLister(
			self.Logger.WithField("module", "s3compat"),
			self.section("s3", "endpoint", "region", "timeout"),
			self.Credentials)
		if err != nil {
			return errors.Wrap(err, "Failed to initialize S3-compatible lister")
		}
		self.Revisions = lister
	}

	self.Dispatcher = dispatch.New(handlers.NewFactory(handlers.Deps{
		API:         self.Client,
		Credentials: self.Credentials,
		Upload:      self.Upload,
		Revisions:   self.Revisions,
		Logger:      self.Logger.WithField("module", "handlers"),
	}), self.Logger.WithField("module", "dispatch"))
	return nil
}

// NewUploader returns an orchestrator using the configured credentials.
func (self *Manager) NewUploader() *uploader.Uploader {
	return uploader.New(self.Client, self.Credentials, self.Upload, self.Logger.WithField("module", "uploader"))
}
