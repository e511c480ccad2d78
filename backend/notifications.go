package backend

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/failpark/zeiterfassung2/core/logger"
)

// Operation is a database operation a notification reports about.
type Operation string

// The operations that generate notifications.
const (
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
)

const kafkaNotificationTopic = "resource_notification"

// Notification is a database notification. Receive them with
// RequestNotifications().
type Notification struct {
	Serial       int
	Resource     string
	Operation    Operation
	ResourceID   int64
	Payload      []byte
	CreatedAt    time.Time
	AttemptsLeft int
}

type txNotification struct {
	tx           *sql.Tx
	notification Notification
}

func (b *Backend) handleNotifications() {
	_, err := b.db.Exec(`CREATE TABLE IF NOT EXISTS ` + b.db.Schema + `."_notification_"
(serial SERIAL,
resource VARCHAR NOT NULL,
operation VARCHAR NOT NULL,
resource_id BIGINT NOT NULL,
payload JSON NOT NULL,
created_at TIMESTAMP NOT NULL,
attempts_left INTEGER NOT NULL,
PRIMARY KEY(serial)
);`)
	if err != nil {
		panic(err)
	}

	b.notificationsUpdateQuery = `UPDATE ` + b.db.Schema + `."_notification_"
SET attempts_left = attempts_left - 1
WHERE serial = (
SELECT serial
 FROM ` + b.db.Schema + `."_notification_"
 WHERE attempts_left > 0
 ORDER BY attempts_left, serial
 FOR UPDATE SKIP LOCKED
 LIMIT 1
)
RETURNING *;
`
	b.notificationsDeleteQuery = `DELETE FROM ` + b.db.Schema + `."_notification_"
WHERE serial = $1 RETURNING serial;`
}

func callWithPanicEnvelope(callback func(Notification) error, notification Notification) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("recovered from panic: %s", r)
		}
	}()
	err = callback(notification)
	return
}

// dispatch runs the registered in-process handler and then the Kafka
// forwarder; any failure keeps the notification queued for another attempt.
func (b *Backend) dispatch(notification Notification) error {
	key := notificationRequestKey(notification.Resource, notification.Operation)
	b.handlersMutex.Lock()
	handler, ok := b.handlers[key]
	b.handlersMutex.Unlock()
	if ok {
		if err := callWithPanicEnvelope(handler.callback, notification); err != nil {
			return err
		}
	}
	if b.kafkaWriter != nil {
		message := kafka.Message{
			Key:   []byte(notification.Resource + "/" + strconv.FormatInt(notification.ResourceID, 10)),
			Value: notification.Payload,
			Headers: []kafka.Header{
				{Key: "operation", Value: []byte(notification.Operation)},
			},
		}
		if err := b.kafkaWriter.WriteMessages(context.Background(), message); err != nil {
			return err
		}
	}
	return nil
}

func (b *Backend) pipelineWorker(wg *sync.WaitGroup, jobs chan txNotification, output chan string) {
	defer wg.Done()

	for job := range jobs {
		tx := job.tx
		notification := job.notification
		request := string(notification.Operation) + " #" + strconv.Itoa(notification.Serial)

		if err := b.dispatch(notification); err != nil {
			output <- "error processing " + request + ": " + err.Error()
			tx.Commit()
			continue
		}

		// notification handled successfully, delete from queue
		var serial int
		err := tx.QueryRow(b.notificationsDeleteQuery, notification.Serial).Scan(&serial)
		if err == nil {
			err = tx.Commit()
		}
		if err != nil {
			output <- "error committing " + request + ": " + err.Error()
		} else {
			output <- "successfully handled " + request
		}
	}
}

// TriggerNotifications triggers outbox processing by eventually calling
// ProcessNotifications(). By default processing happens in another
// go-routine.
func (b *Backend) TriggerNotifications() {
	b.triggerNotifications()
}

// ProcessNotifications processes all pending notifications.
func (b *Backend) ProcessNotifications() {
	output := make(chan string, 100)
	collect := make(chan []string)

	go func() {
		var collected []string
		for s := range output {
			collected = append(collected, s)
		}
		collect <- collected
	}()

	jobs := make(chan txNotification, 20)
	var wg sync.WaitGroup
	wg.Add(b.pipelineConcurrency)
	for i := 0; i < b.pipelineConcurrency; i++ {
		go b.pipelineWorker(&wg, jobs, output)
	}

	for {
		tx, err := b.db.BeginTx(context.Background(), nil)
		if err != nil {
			output <- "failed to begin transaction: " + err.Error()
			break
		}

		var notification Notification
		err = tx.QueryRow(b.notificationsUpdateQuery).Scan(
			&notification.Serial,
			&notification.Resource,
			&notification.Operation,
			&notification.ResourceID,
			&notification.Payload,
			&notification.CreatedAt,
			&notification.AttemptsLeft,
		)
		if err != nil {
			if err != sql.ErrNoRows {
				output <- "failed to retrieve notification: " + err.Error()
			}
			tx.Rollback()
			break
		}
		jobs <- txNotification{tx, notification}
	}
	close(jobs)
	wg.Wait()
	close(output)
	collected := <-collect
	if len(collected) > 0 {
		logger.Default().Debugln("notification report:\n  " + strings.Join(collected, "\n  "))
	}
}

type notificationHandler struct {
	request  string
	callback func(Notification) error
}

// NotificationRequest represents a notification request for a specific
// resource and a list of database operations.
type NotificationRequest struct {
	Resource   string
	Operations []Operation
}

// RequestNotifications requests database notifications and installs a
// handler for them.
//
// There can only be one handler for each unique combination of resource and
// operation. If a handler returns an error and the notification still has
// attempts left, it will be rescheduled. The number of attempts is a
// configuration setting of the backend itself.
func (b *Backend) RequestNotifications(handler func(Notification) error, requests ...NotificationRequest) {
	b.handlersMutex.Lock()
	defer b.handlersMutex.Unlock()
	for _, request := range requests {
		for _, operation := range request.Operations {
			key := notificationRequestKey(request.Resource, operation)
			if _, ok := b.handlers[key]; ok {
				logger.Default().Fatalf("notification handler for %s already installed", key)
			}
			logger.Default().Debugf("install notification handler %s", key)
			b.handlers[key] = notificationHandler{request: key, callback: handler}
		}
	}
}

func notificationRequestKey(resource string, operation Operation) string {
	return string(operation) + " " + resource
}

// commitWithNotification commits the transaction. If anybody listens for
// this resource and operation, a notification row is written to the outbox
// first, inside the same transaction, and processing is triggered after the
// commit.
func (b *Backend) commitWithNotification(tx *sql.Tx, resource string, operation Operation, resourceID int64, payload []byte) error {
	key := notificationRequestKey(resource, operation)
	b.handlersMutex.Lock()
	_, requested := b.handlers[key]
	b.handlersMutex.Unlock()
	if !requested && b.kafkaWriter == nil {
		return tx.Commit()
	}

	if len(payload) == 0 {
		payload = []byte("{}")
	}

	var serial int
	err := tx.QueryRow(`INSERT INTO `+b.db.Schema+`."_notification_"`+
		`(resource,operation,resource_id,payload,created_at,attempts_left)`+
		`VALUES($1,$2,$3,$4,$5,$6) RETURNING serial;`,
		resource,
		operation,
		resourceID,
		payload,
		time.Now().UTC(),
		b.pipelineMaxAttempts,
	).Scan(&serial)
	if err != nil {
		tx.Rollback()
		return err
	}
	err = tx.Commit()
	if err == nil {
		b.TriggerNotifications()
	}
	return err
}
