// Copyright 2020 The go-lpc Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package alert

import (
	"crypto/tls"
	"fmt"
	"io"
	"log"
	"os"
	"sync"

	"github.com/go-lpc/qla/capture"
	mail "gopkg.in/gomail.v2"
)

// MailConfig describes how to send mail alerts.
type MailConfig struct {
	Host     string   `mapstructure:"host"`
	Port     int      `mapstructure:"port"`
	User     string   `mapstructure:"user"`
	Password string   `mapstructure:"password"`
	From     string   `mapstructure:"from"`
	To       []string `mapstructure:"to"`
	Insecure bool     `mapstructure:"insecure"` // skip TLS certificate verification
}

func (cfg MailConfig) valid() bool {
	return cfg.Host != "" && cfg.Port != 0 && cfg.From != "" && len(cfg.To) > 0
}

// Mailer sends fatal errors by mail.
//
// Mails are sent asynchronously: Report does not block the device.
type Mailer struct {
	msg  *log.Logger
	cfg  MailConfig
	wg   sync.WaitGroup
	send func(m *mail.Message) error
}

// Mail returns a reporter sending fatal errors by mail.
func Mail(cfg MailConfig) *Mailer {
	dial := mail.NewDialer(cfg.Host, cfg.Port, cfg.User, cfg.Password)
	if cfg.Insecure {
		dial.TLSConfig = &tls.Config{
			InsecureSkipVerify: true,
		}
	}
	return &Mailer{
		msg:  log.New(os.Stdout, "alert: ", 0),
		cfg:  cfg,
		send: func(m *mail.Message) error { return dial.DialAndSend(m) },
	}
}

// MailWith returns a reporter sending fatal errors by mail through s.
func MailWith(cfg MailConfig, s mail.Sender) *Mailer {
	return &Mailer{
		msg:  log.New(os.Stdout, "alert: ", 0),
		cfg:  cfg,
		send: func(m *mail.Message) error { return mail.Send(s, m) },
	}
}

func (m *Mailer) Report(f *capture.Fatal) {
	if !m.cfg.valid() {
		m.msg.Printf("could not send mail alert: missing configuration")
		return
	}

	msg := mail.NewMessage()
	msg.SetHeader("From", m.cfg.From)
	msg.SetHeader("Bcc", m.cfg.To...)
	msg.SetHeader("Subject", fmt.Sprintf("[qla] device halted: %v", f.Err))
	msg.SetBody("text/plain", Text(f))

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		err := m.send(msg)
		if err != nil {
			m.msg.Printf("could not send mail alert: %+v", err)
		}
	}()
}

// Wait waits for all pending mails to be sent.
func (m *Mailer) Wait() {
	m.wg.Wait()
}

// Close waits for all pending mails to be sent.
func (m *Mailer) Close() error {
	m.Wait()
	return nil
}

var (
	_ capture.Reporter = (*Mailer)(nil)
	_ io.Closer        = (*Mailer)(nil)
)
