package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Имена DLX-топологии задач расширения. Должны совпадать у паблишера и консьюмера.
const (
	DeadLetterExchange   = "story_expansion_tasks_dlx"
	DeadLetterQueue      = "story_expansion_tasks_dlq"
	DeadLetterRoutingKey = "dlq"
)

// TaskPublisher публикует задачи расширения дерева.
type TaskPublisher interface {
	PublishExpansionTask(ctx context.Context, payload StoryExpansionTaskPayload) error
}

type rabbitMQPublisher struct {
	channel   *amqp.Channel
	queueName string
}

// DeclareTopology объявляет очередь задач с DLX и саму DLQ.
// Вызывается и паблишером, и консьюмером: параметры очереди должны совпадать,
// иначе RabbitMQ отклонит повторное объявление.
func DeclareTopology(ch *amqp.Channel, queueName string) error {
	if err := ch.ExchangeDeclare(
		DeadLetterExchange, // name
		"direct",           // type
		true,               // durable
		false,              // auto-deleted
		false,              // internal
		false,              // no-wait
		nil,                // arguments
	); err != nil {
		return fmt.Errorf("не удалось объявить DLX '%s': %w", DeadLetterExchange, err)
	}

	dlq, err := ch.QueueDeclare(DeadLetterQueue, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("не удалось объявить DLQ '%s': %w", DeadLetterQueue, err)
	}
	if err := ch.QueueBind(dlq.Name, DeadLetterRoutingKey, DeadLetterExchange, false, nil); err != nil {
		return fmt.Errorf("не удалось привязать DLQ: %w", err)
	}

	args := amqp.Table{
		"x-queue-mode":              "lazy",
		"x-dead-letter-exchange":    DeadLetterExchange,
		"x-dead-letter-routing-key": DeadLetterRoutingKey,
	}
	if _, err := ch.QueueDeclare(
		queueName, // name
		true,      // durable
		false,     // delete when unused
		false,     // exclusive
		false,     // no-wait
		args,
	); err != nil {
		return fmt.Errorf("не удалось объявить очередь '%s': %w", queueName, err)
	}

	log.Printf("Топология RabbitMQ объявлена: очередь '%s', DLX '%s'", queueName, DeadLetterExchange)
	return nil
}

// NewRabbitMQTaskPublisher создает паблишер задач расширения.
// Объявляет топологию, чтобы порядок запуска сервисов не имел значения.
func NewRabbitMQTaskPublisher(conn *amqp.Connection, queueName string) (TaskPublisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("task publisher: не удалось открыть канал: %w", err)
	}
	if err := DeclareTopology(ch, queueName); err != nil {
		ch.Close()
		return nil, fmt.Errorf("task publisher: %w", err)
	}
	return &rabbitMQPublisher{channel: ch, queueName: queueName}, nil
}

// PublishExpansionTask публикует задачу расширения дерева.
func (p *rabbitMQPublisher) PublishExpansionTask(ctx context.Context, payload StoryExpansionTaskPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		log.Printf("[TaskID: %s][StoryID: %s] Ошибка сериализации StoryExpansionTaskPayload: %v", payload.TaskID, payload.StoryID, err)
		return fmt.Errorf("ошибка сериализации задачи расширения для TaskID %s: %w", payload.TaskID, err)
	}

	if err := p.publishMessage(ctx, body); err != nil {
		log.Printf("[TaskID: %s][StoryID: %s] Ошибка публикации StoryExpansionTask: %v", payload.TaskID, payload.StoryID, err)
		return fmt.Errorf("ошибка публикации задачи расширения для TaskID %s: %w", payload.TaskID, err)
	}
	return nil
}

func (p *rabbitMQPublisher) publishMessage(ctx context.Context, body []byte) error {
	if p.channel == nil {
		return errors.New("канал RabbitMQ не инициализирован")
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var err error
	// Попытка публикации с retry до 3 раз
	for attempt := 1; attempt <= 3; attempt++ {
		err = p.channel.PublishWithContext(ctx,
			"",          // exchange (используем default)
			p.queueName, // routing key (имя очереди)
			false,       // mandatory
			false,       // immediate
			amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp.Persistent,
				Body:         body,
				Timestamp:    time.Now(),
				AppId:        "fable-worker",
			},
		)
		if err == nil {
			break
		}
		log.Printf("Ошибка публикации (attempt %d) в очередь '%s': %v", attempt, p.queueName, err)
		time.Sleep(time.Duration(attempt) * 100 * time.Millisecond)
	}
	if err != nil {
		return fmt.Errorf("ошибка публикации в очередь %s после retries: %w", p.queueName, err)
	}
	log.Printf("Сообщение успешно опубликовано в очередь '%s'", p.queueName)
	return nil
}
