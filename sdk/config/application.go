package config

import "github.com/google/uuid"

// Application 应用程序配置
type Application struct {
	Name       string `mapstructure:"name" json:"name"`
	Mode       string `mapstructure:"mode" json:"mode"`             // dev, test, prod
	InstanceID string `mapstructure:"instanceId" json:"instanceId"` // 进程实例ID，回复订阅和消费者名称都基于它
}

var ApplicationConfig = new(Application)

// SetDefaults 未配置实例ID时生成一个
func (a *Application) SetDefaults() {
	if a.Name == "" {
		a.Name = "jxt-cqrs"
	}
	if a.Mode == "" {
		a.Mode = "dev"
	}
	if a.InstanceID == "" {
		a.InstanceID = uuid.NewString()
	}
}
