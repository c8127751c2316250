package json

import (
	jsoniter "github.com/json-iterator/go"
)

// JSON 统一的 jsoniter 配置实例
// 使用 ConfigCompatibleWithStandardLibrary 确保与标准库完全兼容
//
// 命令、领域事件、回复、订阅进度、命令记录的序列化都走这个实例，
// 不要在各个组件中重复定义 jsoniter 配置
var JSON = jsoniter.ConfigCompatibleWithStandardLibrary

// Marshal 序列化对象为 JSON 字节数组
func Marshal(v interface{}) ([]byte, error) {
	return JSON.Marshal(v)
}

// Unmarshal 从 JSON 字节数组反序列化对象
func Unmarshal(data []byte, v interface{}) error {
	return JSON.Unmarshal(data, v)
}

// MarshalToString 将对象序列化为 JSON 字符串
func MarshalToString(v interface{}) (string, error) {
	return JSON.MarshalToString(v)
}

// UnmarshalFromString 从 JSON 字符串反序列化对象
func UnmarshalFromString(str string, v interface{}) error {
	return JSON.UnmarshalFromString(str, v)
}

// RawMessage jsoniter 兼容的 RawMessage 类型
// 命令和事件的业务负载以原始 JSON 形式透传，由处理器延迟解析
type RawMessage = jsoniter.RawMessage

// Raw 把任意值编码为 RawMessage，nil 保持为 nil
func Raw(v interface{}) (RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(RawMessage); ok {
		return raw, nil
	}
	data, err := JSON.Marshal(v)
	if err != nil {
		return nil, err
	}
	return RawMessage(data), nil
}
