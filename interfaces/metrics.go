package interfaces

// MetricsCollector defines the interface for metrics collection
type MetricsCollector interface {
	// Connection metrics
	RecordConnectionCreated()
	RecordConnectionClosed()

	// Channel metrics
	RecordChannelCreated()
	RecordChannelClosed()
	RecordChannelError(errorType string)

	// Queue metrics
	RecordQueueDeclared()
	RecordQueueDeleted()
	UpdateQueueMetrics(queueName, vhost string, ready, unacked, consumers int)
	DeleteQueueMetrics(queueName, vhost string)

	// Exchange metrics
	RecordExchangeDeclared()
	RecordExchangeDeleted()

	// Message metrics
	RecordMessagePublished(size int)
	RecordMessageDelivered(size int)
	RecordMessageAcknowledged()
	RecordMessageRedelivered()
	RecordMessageRejected()
	RecordMessageUnroutable()

	// Consumer metrics
	RecordConsumerAdded()
	RecordConsumerRemoved()

	// Storage metrics
	RecordStorageError(operation string)
	RecordRecovery(vhost string, seconds float64)

	// Process metrics
	UpdateServerUptime(seconds float64)
	UpdateMemoryMetrics(sysBytes, heapBytes float64)
	UpdateGoroutines(count float64)
	UpdateDiskMetrics(freeBytes, usedBytes float64)
}

// NoOpMetricsCollector is a metrics collector that does nothing
type NoOpMetricsCollector struct{}

func (NoOpMetricsCollector) RecordConnectionCreated()  {}
func (NoOpMetricsCollector) RecordConnectionClosed()   {}
func (NoOpMetricsCollector) RecordChannelCreated()     {}
func (NoOpMetricsCollector) RecordChannelClosed()      {}
func (NoOpMetricsCollector) RecordChannelError(string) {}

func (NoOpMetricsCollector) RecordQueueDeclared()                             {}
func (NoOpMetricsCollector) RecordQueueDeleted()                              {}
func (NoOpMetricsCollector) UpdateQueueMetrics(string, string, int, int, int) {}
func (NoOpMetricsCollector) DeleteQueueMetrics(string, string)                {}
func (NoOpMetricsCollector) RecordExchangeDeclared()                          {}
func (NoOpMetricsCollector) RecordExchangeDeleted()                           {}

func (NoOpMetricsCollector) RecordMessagePublished(int) {}
func (NoOpMetricsCollector) RecordMessageDelivered(int) {}
func (NoOpMetricsCollector) RecordMessageAcknowledged() {}
func (NoOpMetricsCollector) RecordMessageRedelivered()  {}
func (NoOpMetricsCollector) RecordMessageRejected()     {}
func (NoOpMetricsCollector) RecordMessageUnroutable()   {}
func (NoOpMetricsCollector) RecordConsumerAdded()       {}
func (NoOpMetricsCollector) RecordConsumerRemoved()     {}

func (NoOpMetricsCollector) RecordStorageError(string)      {}
func (NoOpMetricsCollector) RecordRecovery(string, float64) {}

func (NoOpMetricsCollector) UpdateServerUptime(float64)           {}
func (NoOpMetricsCollector) UpdateMemoryMetrics(float64, float64) {}
func (NoOpMetricsCollector) UpdateGoroutines(float64)             {}
func (NoOpMetricsCollector) UpdateDiskMetrics(float64, float64)   {}
