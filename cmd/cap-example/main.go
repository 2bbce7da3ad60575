// Command cap-example is a small demonstration of the CAP stack: a server
// that prints every message it receives and a client that sends one message
// and hangs up
//
//	cap-example server 0.0.0.0:9999
//	cap-example client 127.0.0.1:9999 "some message"
//
// All protocol tuning is socket options; the optional YAML config file maps
// onto them
package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/KMFtcy/capstack/exporter"
	"github.com/KMFtcy/capstack/header"
	"github.com/KMFtcy/capstack/link/sniffer"
	"github.com/KMFtcy/capstack/link/udp"
	"github.com/KMFtcy/capstack/transport/cap"
	"github.com/KMFtcy/capstack/types"
)

// Config mirrors the socket options of a CAP endpoint. Durations are
// millisecond counts so the file stays plain integers
type Config struct {
	Window           int `yaml:"window"`
	PayloadMax       int `yaml:"payload_max"`
	RTOInitialMS     int `yaml:"rto_initial_ms"`
	RTOMinMS         int `yaml:"rto_min_ms"`
	RTOMaxMS         int `yaml:"rto_max_ms"`
	MaxRetries       int `yaml:"max_retries"`
	HandshakeRetries int `yaml:"handshake_retries"`
	TimeWaitMS       int `yaml:"time_wait_ms"`
}

func loadConfig(path string) (*Config, error) {
	var cfg Config
	if path == "" {
		return &cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read config")
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, errors.Wrap(err, "parse config")
	}
	return &cfg, nil
}

// apply sets every non-zero tuning value on the endpoint
func (c *Config) apply(ep types.Endpoint) error {
	opts := []interface{}{}
	if c.Window > 0 {
		opts = append(opts, types.WindowOption(c.Window))
	}
	if c.PayloadMax > 0 {
		opts = append(opts, types.PayloadMaxOption(c.PayloadMax))
	}
	if c.RTOInitialMS > 0 {
		opts = append(opts, types.RTOInitialOption(time.Duration(c.RTOInitialMS)*time.Millisecond))
	}
	if c.RTOMinMS > 0 {
		opts = append(opts, types.RTOMinOption(time.Duration(c.RTOMinMS)*time.Millisecond))
	}
	if c.RTOMaxMS > 0 {
		opts = append(opts, types.RTOMaxOption(time.Duration(c.RTOMaxMS)*time.Millisecond))
	}
	if c.MaxRetries > 0 {
		opts = append(opts, types.MaxRetriesOption(c.MaxRetries))
	}
	if c.HandshakeRetries > 0 {
		opts = append(opts, types.HandshakeRetriesOption(c.HandshakeRetries))
	}
	if c.TimeWaitMS > 0 {
		opts = append(opts, types.TimeWaitOption(time.Duration(c.TimeWaitMS)*time.Millisecond))
	}

	for _, o := range opts {
		if err := ep.SetSockOpt(o); err != nil {
			return errors.Wrapf(err, "option %#v", o)
		}
	}
	return nil
}

func newLink(cfg *Config, sniff bool) types.DatagramEndpoint {
	payloadMax := cfg.PayloadMax
	if payloadMax <= 0 {
		payloadMax = header.DefaultPayloadMax
	}

	var link types.DatagramEndpoint = udp.New(uint32(payloadMax + header.CAPMinimumSize))
	if sniff {
		link = sniffer.New(link)
	}
	return link
}

func runServer(addr string, cfg *Config, sniff bool, metricsAddr string) error {
	full, err := udp.ParseAddress(addr)
	if err != nil {
		return err
	}

	ep := cap.NewEndpoint(newLink(cfg, sniff), nil)
	if err := cfg.apply(ep); err != nil {
		return err
	}
	if err := ep.Bind(full); err != nil {
		return errors.Wrapf(err, "bind %v", addr)
	}
	if err := ep.Listen(); err != nil {
		return errors.Wrap(err, "listen")
	}

	var collector *exporter.CAPCollector
	if metricsAddr != "" {
		collector = exporter.NewCAPCollector()
		prometheus.MustRegister(collector)
		go func() {
			http.Handle("/metrics", promhttp.Handler())
			if err := http.ListenAndServe(metricsAddr, nil); err != nil {
				logrus.Fatalf("metrics: %v", err)
			}
		}()
		logrus.Infof("metrics on http://%s/metrics", metricsAddr)
	}

	logrus.Infof("listening on %v", addr)

	for {
		conn, err := ep.Accept()
		if err != nil {
			return errors.Wrap(err, "accept")
		}
		logrus.Infof("accepted connection")

		if collector != nil {
			if c, ok := conn.(exporter.Connection); ok {
				collector.Register(c)
			}
		}

		go serveConn(conn, collector)
	}
}

func serveConn(conn types.Endpoint, collector *exporter.CAPCollector) {
	defer func() {
		conn.Close()
		if collector != nil {
			if c, ok := conn.(exporter.Connection); ok {
				collector.Unregister(c)
			}
		}
	}()

	buf := make([]byte, 1<<20)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			if err != types.ErrConnectionClosed {
				logrus.Errorf("read: %v", err)
			}
			logrus.Infof("connection closed")
			return
		}
		fmt.Printf("%s\n", buf[:n])
	}
}

func runClient(addr string, message string, cfg *Config, sniff bool) error {
	full, err := udp.ParseAddress(addr)
	if err != nil {
		return err
	}

	ep := cap.NewEndpoint(newLink(cfg, sniff), nil)
	if err := cfg.apply(ep); err != nil {
		return err
	}

	if err := ep.Connect(full); err != nil {
		return errors.Wrapf(err, "connect %v", addr)
	}
	logrus.Infof("connected to %v", addr)

	if err := ep.Write([]byte(message)); err != nil {
		return errors.Wrap(err, "send")
	}

	if err := ep.Close(); err != nil {
		return errors.Wrap(err, "close")
	}
	logrus.Infof("sent %d bytes, closed", len(message))
	return nil
}

func main() {
	configPath := flag.String("config", "", "YAML config file mapping onto socket options")
	debug := flag.Bool("debug", false, "log at debug level")
	sniff := flag.Bool("sniff", false, "log every segment on the wire")
	metricsAddr := flag.String("metrics", "", "serve Prometheus metrics on this address (server only)")
	flag.Parse()

	if *debug {
		logrus.SetLevel(logrus.DebugLevel)
	}

	args := flag.Args()
	if len(args) < 2 {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags] server <listen-addr>\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "       %s [flags] client <server-addr> [message]\n", os.Args[0])
		os.Exit(1)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		logrus.Fatalf("%v", err)
	}

	switch args[0] {
	case "server":
		err = runServer(args[1], cfg, *sniff, *metricsAddr)
	case "client":
		message := "hello from cap"
		if len(args) > 2 {
			message = args[2]
		}
		err = runClient(args[1], message, cfg, *sniff)
	default:
		fmt.Fprintf(os.Stderr, "unknown mode %q\n", args[0])
		os.Exit(1)
	}

	if err != nil {
		logrus.Errorf("%v", err)
		os.Exit(1)
	}
}
