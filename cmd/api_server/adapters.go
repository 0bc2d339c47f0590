package main

import (
	"fmt"

	"github.com/spf13/viper"

	"comicfeed/pkg/provider/rest"
)

// adapterFile 提供商适配配置文件结构
type adapterFile struct {
	Adapters []rest.Config `mapstructure:"adapters"`
}

// loadAdapters 读取提供商适配配置，path 为空时返回空列表
func loadAdapters(path string) ([]rest.Config, error) {
	if path == "" {
		return nil, nil
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("读取适配配置失败: %w", err)
	}

	var file adapterFile
	if err := v.Unmarshal(&file); err != nil {
		return nil, fmt.Errorf("解析适配配置失败: %w", err)
	}
	return file.Adapters, nil
}
