package alert

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"example.com/topup-engine/pkg/logger"
)

// SQSAPI — часть клиента SQS, нужная для отправки алертов.
type SQSAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// SQSConfig — настройки очереди алертов.
type SQSConfig struct {
	QueueURL        string
	Region          string
	AccessKeyID     string // Пусто — цепочка учётных данных по умолчанию
	SecretAccessKey string
}

// SQSNotifier отправляет алерты в очередь SQS, откуда их забирает система дежурств.
type SQSNotifier struct {
	client   SQSAPI
	queueURL string
}

// NewSQSNotifier создаёт клиента SQS из конфигурации AWS.
func NewSQSNotifier(ctx context.Context, cfg SQSConfig) (*SQSNotifier, error) {
	opts := []func(*awsConfig.LoadOptions) error{awsConfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsConfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsConfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("ошибка загрузки конфигурации AWS: %w", err)
	}

	return NewSQSNotifierWithClient(sqs.NewFromConfig(awsCfg), cfg.QueueURL), nil
}

// NewSQSNotifierWithClient создаёт notifier с готовым клиентом.
func NewSQSNotifierWithClient(client SQSAPI, queueURL string) *SQSNotifier {
	return &SQSNotifier{client: client, queueURL: queueURL}
}

// Notify отправляет алерт JSON сообщением с атрибутами reason и order_number.
func (n *SQSNotifier) Notify(ctx context.Context, a Alert) error {
	body, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("ошибка сериализации алерта: %w", err)
	}

	out, err := n.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(n.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"reason": {
				DataType:    aws.String("String"),
				StringValue: aws.String(a.Reason),
			},
			"order_number": {
				DataType:    aws.String("String"),
				StringValue: aws.String(a.OrderNumber),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("ошибка отправки алерта в SQS: %w", err)
	}

	logger.Ctx(ctx).Info().
		Str("reason", a.Reason).
		Str("order_number", a.OrderNumber).
		Str("message_id", aws.ToString(out.MessageId)).
		Msg("Алерт отправлен в SQS")
	return nil
}
