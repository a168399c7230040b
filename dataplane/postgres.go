package dataplane

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alwitt/chatstream/common"
	"github.com/alwitt/goutils"
	"github.com/apex/log"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// maxNotifyPayload PostgreSQL NOTIFY payload limit
const maxNotifyPayload = 8000

// postgresSubscriberImpl reads a Postgres LISTEN channel into the Ingestor
type postgresSubscriberImpl struct {
	goutils.Component
	sourceHealth
	pool       *pgxpool.Pool
	channel    string
	ingest     Ingestor
	retryDelay time.Duration
	lock       sync.Mutex
	reading    bool
	ctxt       context.Context
	cancel     context.CancelFunc
}

// GetPostgresSubscriber define a new Postgres LISTEN/NOTIFY EventSubscriber
func GetPostgresSubscriber(
	parentCtxt context.Context,
	pool *pgxpool.Pool,
	config common.PostgresSourceConfig,
	ingest Ingestor,
) (EventSubscriber, error) {
	if pool == nil {
		return nil, fmt.Errorf("postgres source requires a connection pool")
	}
	if config.Channel == "" {
		return nil, fmt.Errorf("postgres source requires a channel")
	}
	logTags := log.Fields{
		"module":    "dataplane",
		"component": "pg-listener",
		"channel":   config.Channel,
	}
	ctxt, cancel := context.WithCancel(parentCtxt)
	return &postgresSubscriberImpl{
		Component:  goutils.Component{LogTags: logTags},
		pool:       pool,
		channel:    config.Channel,
		ingest:     ingest,
		retryDelay: time.Second * 2,
		ctxt:       ctxt,
		cancel:     cancel,
	}, nil
}

// listen acquire a dedicated connection and LISTEN on the channel
func (s *postgresSubscriberImpl) listen() (*pgxpool.Conn, error) {
	conn, err := s.pool.Acquire(s.ctxt)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Exec(s.ctxt, "LISTEN "+pgx.Identifier{s.channel}.Sanitize()); err != nil {
		conn.Release()
		return nil, err
	}
	log.WithFields(s.LogTags).Info("Listening for notifications")
	return conn, nil
}

// release stop listening and return the connection to the pool
func (s *postgresSubscriberImpl) release(conn *pgxpool.Conn) {
	ctxt, cancel := context.WithTimeout(context.Background(), time.Second*5)
	defer cancel()
	if _, err := conn.Exec(ctxt, "UNLISTEN "+pgx.Identifier{s.channel}.Sanitize()); err != nil {
		// Connection is unusable, keep it out of the pool
		_ = conn.Conn().Close(ctxt)
	}
	conn.Release()
}

// Start begin listening in the background
func (s *postgresSubscriberImpl) Start(wg *sync.WaitGroup) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	if s.reading {
		return fmt.Errorf("already reading")
	}
	conn, err := s.listen()
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Unable to LISTEN")
		return err
	}
	s.reading = true

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer log.WithFields(s.LogTags).Info("Stopping notification read loop")
		for {
			notification, err := conn.Conn().WaitForNotification(s.ctxt)
			if err == nil {
				if err := s.ingest.Ingest(s.ctxt, []byte(notification.Payload)); err != nil {
					log.WithError(err).WithFields(s.LogTags).Error("Unable to ingest notification")
				}
				continue
			}
			s.release(conn)
			if s.ctxt.Err() != nil {
				return
			}
			// Lost the connection, LISTEN again on a fresh one
			log.WithError(err).WithFields(s.LogTags).Error("Notification read failure")
			s.fail(err)
			for {
				select {
				case <-s.ctxt.Done():
					return
				case <-time.After(s.retryDelay):
				}
				if conn, err = s.listen(); err == nil {
					s.clearFailure()
					break
				}
				log.WithError(err).WithFields(s.LogTags).Error("Unable to LISTEN again")
			}
		}
	}()
	return nil
}

// Stop end the read loop
func (s *postgresSubscriberImpl) Stop() error {
	s.cancel()
	return nil
}

// ==============================================================================

// postgresPublisherImpl implements EventPublisher over Postgres NOTIFY
type postgresPublisherImpl struct {
	goutils.Component
	pool    *pgxpool.Pool
	channel string
}

// GetPostgresPublisher define a new Postgres NOTIFY EventPublisher
func GetPostgresPublisher(pool *pgxpool.Pool, channel string, instance string) (EventPublisher, error) {
	if pool == nil || channel == "" {
		return nil, fmt.Errorf("postgres publisher requires a pool and channel")
	}
	logTags := log.Fields{
		"module": "dataplane", "component": "pg-publisher", "instance": instance, "channel": channel,
	}
	return &postgresPublisherImpl{
		Component: goutils.Component{LogTags: logTags}, pool: pool, channel: channel,
	}, nil
}

// Publish send one raw event as a notification
func (p *postgresPublisherImpl) Publish(ctxt context.Context, raw []byte) error {
	if len(raw) >= maxNotifyPayload {
		return fmt.Errorf("payload of %d bytes exceeds the NOTIFY limit", len(raw))
	}
	if _, err := p.pool.Exec(ctxt, "SELECT pg_notify($1, $2)", p.channel, string(raw)); err != nil {
		log.WithError(err).WithFields(common.UpdateLogTags(ctxt, p.LogTags)).Error("Unable to send notification")
		return err
	}
	return nil
}
