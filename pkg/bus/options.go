package bus

import (
	"cmp"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
)

const (
	defaultKeepAlive      = 20 * time.Second
	defaultConnectTimeout = 10 * time.Second
	defaultPrefetchDepth  = 25
	defaultReconnectMin   = 1 * time.Second
	defaultReconnectMax   = 30 * time.Second
	defaultQoS            = byte(1)
)

// TLSOptions holds TLS configuration that can be marshaled from JSON/YAML
type TLSOptions struct {
	InsecureSkipVerify bool   `json:"insecureSkipVerify" yaml:"insecureSkipVerify" mapstructure:"insecureSkipVerify"`
	ServerName         string `json:"serverName,omitempty" yaml:"serverName,omitempty" mapstructure:"serverName"`
	CAFile             string `json:"caFile,omitempty" yaml:"caFile,omitempty" mapstructure:"caFile"`
	CertFile           string `json:"certFile,omitempty" yaml:"certFile,omitempty" mapstructure:"certFile"`
	KeyFile            string `json:"keyFile,omitempty" yaml:"keyFile,omitempty" mapstructure:"keyFile"`
}

// Config describes the broker connection and, for subscribers, the filter.
type Config struct {
	Host           string        `mapstructure:"host"`
	Port           string        `mapstructure:"port"`
	Topic          string        `mapstructure:"topic"`
	ClientID       string        `mapstructure:"clientID"`
	KeepAlive      time.Duration `mapstructure:"keepAlive"`
	ConnectTimeout time.Duration `mapstructure:"connectTimeout"`
	QoS            byte          `mapstructure:"qos"`
	// PrefetchDepth bounds how many delivered messages may wait for the
	// consumer before the client stops reading from the broker.
	PrefetchDepth int `mapstructure:"prefetch"`
	// Reconnect enables the backoff supervisor on connection loss.
	Reconnect    bool          `mapstructure:"reconnect"`
	ReconnectMin time.Duration `mapstructure:"reconnectMin"`
	ReconnectMax time.Duration `mapstructure:"reconnectMax"`
	TLS          *TLSOptions   `mapstructure:"tls"`
}

// BrokerURL returns the paho server URI. A host that already carries a
// scheme (tcp://, ssl://, ws://) is used as-is.
func (c Config) BrokerURL() string {
	if strings.Contains(c.Host, "://") {
		return c.Host + ":" + c.Port
	}
	scheme := "tcp"
	if c.TLS != nil {
		scheme = "ssl"
	}
	return scheme + "://" + net.JoinHostPort(c.Host, c.Port)
}

func (c Config) withDefaults(clientPrefix string) Config {
	c.KeepAlive = cmp.Or(c.KeepAlive, defaultKeepAlive)
	c.ConnectTimeout = cmp.Or(c.ConnectTimeout, defaultConnectTimeout)
	c.QoS = cmp.Or(c.QoS, defaultQoS)
	c.PrefetchDepth = cmp.Or(c.PrefetchDepth, defaultPrefetchDepth)
	c.ReconnectMin = cmp.Or(c.ReconnectMin, defaultReconnectMin)
	c.ReconnectMax = cmp.Or(c.ReconnectMax, defaultReconnectMax)
	if c.ClientID == "" {
		c.ClientID = fmt.Sprintf("%s-%s", clientPrefix, uuid.NewString()[:8])
	}
	return c
}

// pahoOptions converts the config into paho client options. Reconnection
// behaviour is left to the caller.
func (c Config) pahoOptions() (*mqtt.ClientOptions, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(c.BrokerURL()).
		SetClientID(c.ClientID).
		SetKeepAlive(c.KeepAlive).
		SetConnectTimeout(c.ConnectTimeout).
		SetCleanSession(true).
		SetOrderMatters(true)

	if c.TLS != nil {
		tlsConfig, err := createTLSConfig(c.TLS)
		if err != nil {
			return nil, fmt.Errorf("failed to create TLS config: %w", err)
		}
		opts.SetTLSConfig(tlsConfig)
	}
	return opts, nil
}

func createTLSConfig(tlsOpts *TLSOptions) (*tls.Config, error) {
	config := &tls.Config{
		InsecureSkipVerify: tlsOpts.InsecureSkipVerify,
		ServerName:         tlsOpts.ServerName,
	}

	if tlsOpts.CAFile != "" {
		caCert, err := os.ReadFile(tlsOpts.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA file: %w", err)
		}
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to parse CA certificate")
		}
		config.RootCAs = caCertPool
	}

	if tlsOpts.CertFile != "" && tlsOpts.KeyFile != "" {
		cert, err := tls.LoadX509KeyPair(tlsOpts.CertFile, tlsOpts.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate: %w", err)
		}
		config.Certificates = []tls.Certificate{cert}
	}

	return config, nil
}
