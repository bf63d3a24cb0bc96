package worker

import (
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
)

const (
	jobName = "fable_expansion_worker"
)

var (
	// Локальный реестр воркера: метрики уходят в Pushgateway, а не в
	// глобальный prometheus.DefaultRegistry.
	registry = prometheus.NewRegistry()

	tasksReceived = promauto.With(registry).NewCounter(
		prometheus.CounterOpts{
			Name: "fable_expansion_tasks_received_total",
			Help: "Total number of expansion tasks received by the worker.",
		},
	)
	tasksFailed = promauto.With(registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "fable_expansion_tasks_failed_total",
			Help: "Total number of expansion tasks failed, partitioned by failure reason.",
		},
		[]string{"reason"},
	)
	tasksSucceeded = promauto.With(registry).NewCounter(
		prometheus.CounterOpts{
			Name: "fable_expansion_tasks_succeeded_total",
			Help: "Total number of expansion tasks successfully processed.",
		},
	)
	nodesGenerated = promauto.With(registry).NewCounter(
		prometheus.CounterOpts{
			Name: "fable_expansion_nodes_generated_total",
			Help: "Total number of story nodes filled by the worker.",
		},
	)
	nodesRejected = promauto.With(registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "fable_expansion_nodes_rejected_total",
			Help: "Total number of node generations rejected, partitioned by reason.",
		},
		[]string{"reason"},
	)
	tokensUsed = promauto.With(registry).NewCounter(
		prometheus.CounterOpts{
			Name: "fable_expansion_ai_tokens_used_total",
			Help: "Total number of AI tokens used for tree expansion.",
		},
	)

	pusher *push.Pusher

	groupingKey map[string]string
)

// InitMetricsPusher инициализирует клиент Pushgateway.
func InitMetricsPusher(pushgatewayURL string) error {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
		log.Printf("[Metrics] Warning: could not get hostname: %v", err)
	}
	pid := os.Getpid()
	instanceID := fmt.Sprintf("%s-%d", hostname, pid)

	groupingKey = map[string]string{
		"instance": instanceID,
	}

	log.Printf("[Metrics] Initializing Pushgateway pusher for job '%s' with instance '%s' to %s", jobName, instanceID, pushgatewayURL)

	pusher = push.New(pushgatewayURL, jobName).Gatherer(registry).Grouping("instance", instanceID)

	// Пробный push сразу, чтобы проверить соединение
	if err := pusher.Push(); err != nil {
		return fmt.Errorf("could not push initial metrics to Pushgateway: %w", err)
	}
	log.Printf("[Metrics] Initial push to Pushgateway successful.")
	return nil
}

// StartMetricsPusher запускает горутину периодической отправки метрик.
func StartMetricsPusher(interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for range ticker.C {
			if pusher == nil {
				ticker.Stop()
				log.Println("[Metrics] Pusher is nil, stopping periodic push.")
				return
			}
			pushMetrics()
		}
	}()
	log.Printf("[Metrics] Started periodic pusher with interval %v", interval)
}

func pushMetrics() error {
	if pusher == nil {
		return errors.New("pusher not initialized")
	}
	if err := pusher.Push(); err != nil {
		log.Printf("[Metrics] Error pushing metrics to Pushgateway: %v", err)
		return err
	}
	return nil
}

func metricsIncrementTasksReceived() {
	tasksReceived.Inc()
	pushMetrics()
}

func metricsIncrementTaskFailed(reason string) {
	tasksFailed.WithLabelValues(reason).Inc()
	pushMetrics()
}

func metricsIncrementTaskSucceeded() {
	tasksSucceeded.Inc()
	pushMetrics()
}

func metricsIncrementNodeGenerated() {
	nodesGenerated.Inc()
}

func metricsIncrementNodeRejected(reason string) {
	nodesRejected.WithLabelValues(reason).Inc()
}

func metricsAddTokensUsed(count float64) {
	tokensUsed.Add(count)
}

// CleanupMetrics удаляет метрики инстанса из Pushgateway. Вызывается через defer в main.
func CleanupMetrics() {
	if pusher == nil {
		log.Println("[Metrics] Cleanup skipped: Pusher not initialized.")
		return
	}

	log.Printf("[Metrics] Deleting metrics from Pushgateway for job '%s', grouping key: %v", jobName, groupingKey)
	if err := pusher.Delete(); err != nil {
		log.Printf("[Metrics] Error deleting metrics from Pushgateway: %v", err)
	} else {
		log.Printf("[Metrics] Successfully deleted metrics from Pushgateway.")
	}
}
