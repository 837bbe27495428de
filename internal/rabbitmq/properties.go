package rabbitmq

import (
	"github.com/glimte/typedmq/contracts"
	amqp "github.com/rabbitmq/amqp091-go"
)

// FromDelivery converts a broker delivery into a raw message
func FromDelivery(d amqp.Delivery) *contracts.Message[[]byte] {
	props := contracts.NewPropertiesBuilder().
		SetContentType(d.ContentType).
		SetContentEncoding(d.ContentEncoding).
		SetCorrelationID(d.CorrelationId).
		SetAppID(d.AppId).
		SetMessageID(d.MessageId).
		SetReplyTo(d.ReplyTo).
		SetExpiration(d.Expiration).
		SetTimestamp(d.Timestamp).
		SetPriority(d.Priority).
		SetUserID(d.UserId).
		SetType(d.Type).
		SetDeliveryMode(contracts.DeliveryMode(d.DeliveryMode))
	if len(d.Headers) > 0 {
		props.SetHeaders(d.Headers)
	}

	env := contracts.Envelope{
		DeliveryTag: d.DeliveryTag,
		Exchange:    d.Exchange,
		RoutingKey:  d.RoutingKey,
		Redelivered: d.Redelivered,
	}

	return contracts.NewMessage(d.Body, props.Build(), env)
}

// ToPublishing converts message properties and a body into a broker publishing
func ToPublishing(props contracts.Properties, body []byte) amqp.Publishing {
	msg := amqp.Publishing{
		ContentType:     props.ContentType(),
		ContentEncoding: props.ContentEncoding(),
		CorrelationId:   props.CorrelationID(),
		AppId:           props.AppID(),
		MessageId:       props.MessageID(),
		ReplyTo:         props.ReplyTo(),
		Expiration:      props.Expiration(),
		Timestamp:       props.Timestamp(),
		Priority:        props.Priority(),
		UserId:          props.UserID(),
		Type:            props.Type(),
		DeliveryMode:    uint8(props.DeliveryMode()),
		Body:            body,
	}

	if headers := props.Headers(); len(headers) > 0 {
		msg.Headers = amqp.Table(headers)
	}

	return msg
}
