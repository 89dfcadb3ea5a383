/*
Package sqpool consumes a message queue with a fixed pool of workers and bounded backpressure.

Listener

A Listener runs one coordinator goroutine that long polls a Source and feeds a fixed pool of workers.

    l, err := sqpool.New(queue, sqpool.Fixed(handler), sqpool.WithWorkers(8))
    l.Start()

Before each receive the coordinator acquires a full batch worth of permits and gives back the ones the receive did not use. Each worker gives back one permit when its message is finished. At most Workers*RunnablesPerWorker + MaxBatch - 1 messages are therefore received but not finished, so a slow handler stops the polling instead of piling messages up in memory.

Handlers and Resolvers

A Resolver picks the Handler for each message. Fixed sends every message to one handler. Router picks by message type, read from the 'type' message attribute or the "type" property of a JSON body.

    r := sqpool.NewRouter()
    r.HandleFunc("user.created", created)
    r.HandleFunc("user.deleted", deleted)

A message with no handler is deleted without processing and logged at trace level.

Delivery

Delivery is at least once. A message is deleted after its handler returns, even when the handler returned an error or panicked, so a poison message is not redelivered forever. A failed delete is retried five times before it is given up on; the message then reappears once its visibility timeout expires.

Throttling

A Throttle, such as a ratelimit.TokenBucket or a rate.Limiter, is waited on before each message is dispatched.

Shutdown

PrepareForShutdown shortens the long poll. Shutdown stops the coordinator after its current iteration. AwaitShutdown waits for the dispatched messages to finish. Stop does all three, cancels a long poll in progress and cancels the handler context if the messages do not finish in time.

*/
package sqpool
