package app

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/watchdesk/watchdesk/pkg/config"
)

var configPath string

// LoadConfig 统一加载应用配置。
// 优先级：1. 命令行显式参数 > 2. 环境变量 > 3. 配置文件 > 4. 默认值
func LoadConfig(target any, opts ...config.Option) error {
	execDir, err := GetExecDir()
	if err != nil {
		return errors.Wrap(err, "failed to get executable directory")
	}

	defaultConfig := filepath.Join(execDir, "config.yaml")

	if pflag.Lookup("config") == nil {
		pflag.StringVarP(&configPath, "config", "c", defaultConfig, "path to config file")
	}
	if !pflag.Parsed() {
		pflag.Parse()
	}

	v := viper.New()
	v.SetEnvPrefix("WATCHDESK")
	v.AutomaticEnv()
	// 环境变量中的 "_" 对应配置中的 "."：WATCHDESK_LOG_LEVEL -> log.level
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	// Flag 显式指定 > 环境变量 WATCHDESK_CONFIG > 可执行文件目录下的 config.yaml
	finalConfigPath := configPath
	if !pflag.CommandLine.Changed("config") {
		if envConfig := os.Getenv("WATCHDESK_CONFIG"); envConfig != "" {
			finalConfigPath = envConfig
		}
	}

	if _, err := os.Stat(finalConfigPath); os.IsNotExist(err) {
		return errors.Newf("config file not found at %s", finalConfigPath)
	}
	configPath = finalConfigPath

	mgr := config.NewManager(append(opts, config.WithViper(v))...)
	if err := mgr.LoadFile(configPath); err != nil {
		return err
	}
	if err := mgr.Unmarshal(target); err != nil {
		return errors.Wrap(err, "failed to unmarshal config")
	}
	return nil
}

// GetExecDir 获取可执行文件所在目录（处理符号链接）
func GetExecDir() (string, error) {
	execPath, err := os.Executable()
	if err != nil {
		return "", err
	}
	realPath, err := filepath.EvalSymlinks(execPath)
	if err != nil {
		return filepath.Dir(execPath), nil
	}
	return filepath.Dir(realPath), nil
}

// GetConfigPath 返回最终使用的配置文件路径
func GetConfigPath() string {
	return configPath
}
