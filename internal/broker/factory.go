package broker

import (
	"connect/internal/config"
	"connect/internal/logger"
)

func NewProducer(cfg config.KafkaConfig, log logger.Logger) Producer {
	return NewKafkaProducer(cfg, log)
}

func NewConsumer(cfg config.KafkaConfig, retryCfg config.RetryConfig, log logger.Logger) Consumer {
	return NewKafkaConsumer(cfg, retryCfg, log)
}
