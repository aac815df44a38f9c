package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"gopkg.in/ini.v1"

	"proxyfleet/internal/shared/types"
	"proxyfleet/proxypool/model"
)

// LoadEnv 加载配置目录中的 .env 文件（如果存在），已存在的环境变量不会被覆盖。
func LoadEnv(fileName string) error {
	if _, err := os.Stat(fileName); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return godotenv.Load(fileName)
}

// LoadIni 加载 proxyfleet.ini 行为配置文件，并应用环境变量覆盖。
// 文件不存在时保留 cfg 中已有的默认值。
func LoadIni(cfg *types.Config, fileName string) error {
	if _, err := os.Stat(fileName); err == nil {
		iniFile, err := ini.Load(fileName)
		if err != nil {
			return err
		}
		if err := iniFile.MapTo(cfg); err != nil {
			return err
		}
	} else if !os.IsNotExist(err) {
		return err
	}

	overrideFromEnvString(&cfg.StoreConf.DBPath, "PROXYFLEET_DB_PATH")
	overrideFromEnvString(&cfg.LogConf.Level, "PROXYFLEET_LOG_LEVEL")
	overrideFromEnvInt(&cfg.WebConf.Port, "PROXYFLEET_WEB_PORT")
	overrideFromEnvInt(&cfg.PoolConf.MaxPoolSize, "PROXYFLEET_MAX_POOL_SIZE")
	return nil
}

// LoadEndpoints 加载 endpoints.json 数据文件。
// 文件不存在时返回 nil，调用方应回退到内置源列表。
func LoadEndpoints(fileName string) ([]*model.Endpoint, error) {
	if fileName == "" {
		return nil, nil
	}
	data, err := os.ReadFile(fileName)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read endpoints file: %w", err)
	}

	var endpoints []*model.Endpoint
	if err := json.Unmarshal(data, &endpoints); err != nil {
		return nil, fmt.Errorf("failed to unmarshal endpoints.json: %w", err)
	}
	for i, ep := range endpoints {
		if err := ep.Validate(); err != nil {
			return nil, fmt.Errorf("endpoint #%d: %w", i, err)
		}
	}
	return endpoints, nil
}

func overrideFromEnvInt(target *int, envName string) {
	envValue := os.Getenv(envName)
	if envValue != "" {
		if intValue, err := strconv.Atoi(envValue); err == nil {
			*target = intValue
		}
	}
}

func overrideFromEnvString(target *string, envName string) {
	if envValue := os.Getenv(envName); envValue != "" {
		*target = envValue
	}
}
