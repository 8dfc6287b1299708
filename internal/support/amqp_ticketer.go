package support

import (
	"context"
	"encoding/json"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/google/uuid"

	xerrors "IntegraFlow/internal/errors"
)

// AMQPConfig 描述工单队列的连接参数。
type AMQPConfig struct {
	URL     string
	Queue   string
	Durable bool
}

// AMQPTicketer 将工单创建请求发布到 RabbitMQ 队列，由下游工单系统消费。
type AMQPTicketer struct {
	conn  *amqp.Connection
	ch    *amqp.Channel
	queue string
}

type ticketRequest struct {
	TicketRef string `json:"ticket_ref"`
	Issue     Issue  `json:"issue"`
}

// NewAMQPTicketer 创建 AMQP 工单通道。
func NewAMQPTicketer(cfg AMQPConfig) (*AMQPTicketer, error) {
	if cfg.URL == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "AMQP URL 不能为空")
	}
	queue := cfg.Queue
	if queue == "" {
		queue = "integraflow.tickets"
	}
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeTicketFailure, err, "连接 RabbitMQ 失败")
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, xerrors.Wrap(xerrors.CodeTicketFailure, err, "创建 RabbitMQ channel 失败")
	}
	if _, err := ch.QueueDeclare(queue, cfg.Durable, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, xerrors.Wrap(xerrors.CodeTicketFailure, err, "声明工单队列失败")
	}
	return &AMQPTicketer{conn: conn, ch: ch, queue: queue}, nil
}

// CreateTicket 实现 Ticketer 接口。返回的引用即发布消息中的工单号。
func (t *AMQPTicketer) CreateTicket(ctx context.Context, issue Issue) (string, error) {
	if t == nil || t.ch == nil {
		return "", xerrors.New(xerrors.CodeInitializationFailure, "工单通道未初始化")
	}
	ref := "TCK-" + uuid.NewString()
	body, err := json.Marshal(ticketRequest{TicketRef: ref, Issue: issue})
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeTicketFailure, err, "编码工单请求失败")
	}
	err = t.ch.PublishWithContext(ctx, "", t.queue, false, false, amqp.Publishing{
		ContentType: "application/json",
		MessageId:   ref,
		Body:        body,
	})
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeTicketFailure, err, "发布工单请求失败")
	}
	return ref, nil
}

// Close 关闭 AMQP 连接。
func (t *AMQPTicketer) Close() error {
	if t == nil {
		return nil
	}
	if t.ch != nil {
		_ = t.ch.Close()
	}
	if t.conn != nil {
		return t.conn.Close()
	}
	return nil
}
