package models

import "time"

const (
	// DefaultHoldDuration время удержания слота до оплаты
	DefaultHoldDuration = 15 * time.Minute

	// DefaultSweepInterval период прохода sweeper
	DefaultSweepInterval = 5 * time.Minute

	// DefaultSweepBatchSize сколько просроченных удержаний выбирается за один запрос
	DefaultSweepBatchSize = 100

	// DefaultMaxAdvanceDays насколько далеко вперёд можно бронировать
	DefaultMaxAdvanceDays = 365

	// DefaultSubscriberBuffer размер буфера одного подписчика
	DefaultSubscriberBuffer = 64

	// DefaultSinkQueueSize очередь событий для внешних получателей (redis, kafka)
	DefaultSinkQueueSize = 1000

	// DefaultHoldRateLimit запросов на удержание от одного пользователя в окне
	DefaultHoldRateLimit = 10

	// DefaultHoldRateWindow окно ограничения частоты удержаний
	DefaultHoldRateWindow = time.Minute
)
