// Command sqpoold consumes an SQS queue with a pooled Listener and relays
// every message to the configured SNS topic, SQS queue and DynamoDB table.
// The writes for one message are applied together on commit.
//
// Inside AWS Lambda it handles SQS events instead of polling.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/context"

	"github.com/leelynne/sqpool"
	"github.com/leelynne/sqpool/awsadapter"
	"github.com/leelynne/sqpool/config"
	"github.com/leelynne/sqpool/txn"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to sqpoold config (optional, SQPOOL_* variables override it)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		return 1
	}
	log := logrus.StandardLogger()
	if err := cfg.Log.Configure(log); err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	clients, err := newClients(ctx, cfg.AWS)
	if err != nil {
		log.WithError(err).Error("failed to load AWS config")
		return 1
	}

	queue, err := awsadapter.OpenQueue(ctx, clients.sqs, cfg.Queue.Name, log)
	if err != nil {
		log.WithError(err).Error("failed to open queue")
		return 1
	}
	rl, err := newRelay(ctx, cfg.Relay, clients, log)
	if err != nil {
		log.WithError(err).Error("failed to set up relay")
		return 1
	}
	var h sqpool.Handler = rl
	if cfg.Queue.Heartbeat {
		h = queue.Heartbeat(h)
	}
	res := resolver(cfg.Relay.Types, h)

	recorder, store, err := newStats(cfg.Stats, log)
	if err != nil {
		log.WithError(err).Error("failed to set up stats")
		return 1
	}
	var metrics sqpool.MetricHandler
	if recorder != nil {
		defer recorder.Close()
		metrics = recorder.Handle
	}

	if _, ok := os.LookupEnv("AWS_LAMBDA_RUNTIME_API"); ok {
		log.Info("running as a lambda function")
		lambda.StartWithOptions(awsadapter.LambdaHandler(res,
			awsadapter.WithLambdaLogger(log),
			awsadapter.WithLambdaMetrics(metrics),
		), lambda.WithContext(ctx))
		return 0
	}

	throttle, err := newThrottle(cfg.RateLimit)
	if err != nil {
		log.WithError(err).Error("failed to set up rate limit")
		return 1
	}
	opts := []sqpool.Option{
		sqpool.WithWorkers(cfg.Queue.Workers),
		sqpool.WithMaxBatch(cfg.Queue.MaxBatch),
		sqpool.WithRunnablesPerWorker(cfg.Queue.RunnablesPerWorker),
		sqpool.WithPollWait(cfg.Queue.PollWait, cfg.Queue.ImminentPollWait),
		sqpool.WithReceiveErrorPause(cfg.Queue.ReceiveErrorPause),
		sqpool.WithDeleteRetry(cfg.Queue.DeleteAttempts, cfg.Queue.DeleteBackoff),
		sqpool.WithLogger(log.WithField("queue", cfg.Queue.Name)),
		sqpool.WithMetrics(metrics),
	}
	if throttle != nil {
		opts = append(opts, sqpool.WithThrottle(throttle))
	}
	listener, err := sqpool.New(queue, res, opts...)
	if err != nil {
		log.WithError(err).Error("failed to create listener")
		return 1
	}
	if err := listener.Start(); err != nil {
		log.WithError(err).Error("failed to start listener")
		return 1
	}

	<-ctx.Done()
	log.WithField("in_flight", listener.InFlight()).Info("shutting down")
	drained := listener.Stop(cfg.Queue.ShutdownTimeout)
	if store != nil {
		log.WithFields(logrus.Fields{
			"totals":        store.Totals(),
			"max_in_flight": store.MaxInFlight(),
		}).Info("listener stats")
	}
	if !drained {
		log.WithField("in_flight", listener.InFlight()).Warn("shutdown timed out")
		return 1
	}
	return 0
}

type awsClients struct {
	sqs    *sqs.Client
	sns    *sns.Client
	dynamo *dynamodb.Client
}

func newClients(ctx context.Context, c config.AWS) (awsClients, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if c.Region != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(c.Region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return awsClients{}, err
	}
	var endpoint *string
	if c.Endpoint != "" {
		endpoint = aws.String(c.Endpoint)
	}
	return awsClients{
		sqs:    sqs.NewFromConfig(cfg, func(o *sqs.Options) { o.BaseEndpoint = endpoint }),
		sns:    sns.NewFromConfig(cfg, func(o *sns.Options) { o.BaseEndpoint = endpoint }),
		dynamo: dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) { o.BaseEndpoint = endpoint }),
	}, nil
}

// resolver relays the listed message types, or every message when none
// are listed.
func resolver(types []string, h sqpool.Handler) sqpool.Resolver {
	if len(types) == 0 {
		return sqpool.Fixed(h)
	}
	r := sqpool.NewRouter()
	for _, t := range types {
		r.Handle(t, h)
	}
	return r
}

func newRelay(ctx context.Context, c config.Relay, clients awsClients, log logrus.FieldLogger) (*relay, error) {
	rl := &relay{delay: c.ForwardDelay, hashKey: c.HashKey, log: log}
	if c.TopicARN != "" {
		rl.topic = txn.NewPublisher(awsadapter.NewTopic(clients.sns, c.TopicARN, log))
	}
	if c.ForwardQueue != "" {
		q, err := awsadapter.OpenQueue(ctx, clients.sqs, c.ForwardQueue, log)
		if err != nil {
			return nil, err
		}
		rl.forward = txn.NewSender(q)
	}
	if c.Table != "" {
		rl.store = txn.NewStore(awsadapter.NewTable(clients.dynamo, c.Table, c.HashKey, awsadapter.WithTableLogger(log)))
	}
	return rl, nil
}
