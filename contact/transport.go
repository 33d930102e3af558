package contact

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/mail"
	"net/smtp"
	"os"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"rental_hunter/config"
)

// SMTPTransport sends through an authenticated SMTP relay with STARTTLS.
type SMTPTransport struct {
	addr     string
	host     string
	auth     smtp.Auth
	sendMail func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewSMTPTransport(cfg config.SMTPConfig) *SMTPTransport {
	var auth smtp.Auth
	if cfg.Username != "" {
		auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}
	return &SMTPTransport{
		addr:     net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		host:     cfg.Host,
		auth:     auth,
		sendMail: smtp.SendMail,
	}
}

func (t *SMTPTransport) Deliver(ctx context.Context, msg *Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	from, err := mail.ParseAddress(msg.From)
	if err != nil {
		return fmt.Errorf("parse from: %w", err)
	}
	to, err := mail.ParseAddress(msg.To)
	if err != nil {
		return fmt.Errorf("parse to: %w", err)
	}
	if err := t.sendMail(t.addr, t.auth, from.Address, []string{to.Address}, msg.MIME()); err != nil {
		return fmt.Errorf("smtp %s: %w", t.host, err)
	}
	return nil
}

// LoggingTransport only logs what would have been sent.
type LoggingTransport struct{}

func (LoggingTransport) Deliver(ctx context.Context, msg *Message) error {
	log.Info().
		Str("to", msg.To).
		Str("subject", msg.Subject).
		Str("listing_id", msg.ListingID).
		Str("record_id", msg.RecordID).
		Msg("email (not sent)")
	return nil
}

// FileTransport appends each message as a JSON line to a file.
type FileTransport struct {
	mu   sync.Mutex
	path string
}

func NewFileTransport(path string) *FileTransport {
	return &FileTransport{path: path}
}

func (t *FileTransport) Deliver(ctx context.Context, msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	f, err := os.OpenFile(t.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(data, '\n'))
	return err
}

// RedisTransport pushes messages onto a Redis list drained by an external
// mailer.
type RedisTransport struct {
	client redis.Cmdable
	key    string
}

func NewRedisTransport(client redis.Cmdable, key string) *RedisTransport {
	return &RedisTransport{client: client, key: key}
}

func (t *RedisTransport) Deliver(ctx context.Context, msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := t.client.RPush(ctx, t.key, data).Err(); err != nil {
		return fmt.Errorf("push to %s: %w", t.key, err)
	}
	return nil
}

// CompositeTransport delivers to every transport and fails if any did.
type CompositeTransport []MailTransport

func (c CompositeTransport) Deliver(ctx context.Context, msg *Message) error {
	var errs []error
	for _, t := range c {
		if err := t.Deliver(ctx, msg); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NewMailTransport picks transports from configuration: SMTP when a host is
// set, the Redis outbox when rdb is not nil, a mail log file when
// configured. With none of them mail is only logged.
func NewMailTransport(cfg *config.Config, rdb *redis.Client) MailTransport {
	var transports CompositeTransport
	if cfg.SMTP.Host != "" {
		transports = append(transports, NewSMTPTransport(cfg.SMTP))
	}
	if rdb != nil {
		transports = append(transports, NewRedisTransport(rdb, cfg.Redis.OutboxKey))
	}
	if cfg.SMTP.MailLog != "" {
		transports = append(transports, NewFileTransport(cfg.SMTP.MailLog))
	}
	switch len(transports) {
	case 0:
		return LoggingTransport{}
	case 1:
		return transports[0]
	}
	return transports
}
