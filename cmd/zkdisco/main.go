package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli"

	"github.com/thinker0/go.serversets/pkg/serversets"
	"github.com/thinker0/go.serversets/pkg/zkasync"
)

type payload = map[string]string

func main() {
	app := cli.NewApp()

	app.Name = "zkdisco"
	app.Usage = "register and look up service instances in ZooKeeper"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:  "conf, c",
			Usage: "YAML file with the zookeeper servers and session timeout",
		},
		cli.StringSliceFlag{
			Name:  "server, s",
			Usage: "zookeeper server host:port, overrides the config file",
		},
		cli.StringFlag{
			Name:  "statsd",
			Usage: "StatsD host:port create metrics are sent to, overrides the config file",
		},
		cli.StringFlag{
			Name:  "base-path",
			Value: serversets.BaseDirectory,
			Usage: "znode all services live under",
		},
		cli.StringFlag{
			Name:  "codec",
			Value: "json",
			Usage: "instance encoding, json or thrift",
		},
		cli.BoolFlag{
			Name:  "debug",
			Usage: "log debug output",
		},
	}
	app.Before = func(c *cli.Context) error {
		if c.Bool("debug") {
			log.SetLevel(log.DebugLevel)
		}
		return nil
	}
	app.Commands = []cli.Command{
		{
			Name:  "register",
			Usage: "register an instance and keep it registered until interrupted",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "name, n", Usage: "service name"},
				cli.StringFlag{Name: "address, a", Usage: "instance address"},
				cli.IntFlag{Name: "port, p", Usage: "instance port"},
				cli.StringSliceFlag{Name: "payload", Usage: "key=value pair stored with the instance"},
				cli.StringFlag{Name: "type", Value: string(serversets.ServiceTypeDynamic), Usage: "DYNAMIC, DYNAMIC_SEQUENTIAL, STATIC or PERMANENT"},
			},
			Before: requireFlags("name", "address", "port"),
			Action: registerInstance,
		},
		{
			Name:   "list",
			Usage:  "list services, or the instances of one service",
			Flags:  []cli.Flag{cli.StringFlag{Name: "name, n", Usage: "service name"}},
			Action: listInstances,
		},
		{
			Name:  "unregister",
			Usage: "remove an instance",
			Flags: []cli.Flag{
				cli.StringFlag{Name: "name, n", Usage: "service name"},
				cli.StringFlag{Name: "id", Usage: "instance id"},
			},
			Before: requireFlags("name", "id"),
			Action: unregisterInstance,
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.WithError(err).Fatal("zkdisco failed")
	}
}

func requireFlags(names ...string) cli.BeforeFunc {
	return func(c *cli.Context) error {
		for _, name := range names {
			if !c.IsSet(name) {
				return fmt.Errorf("--%s is required", name)
			}
		}
		return nil
	}
}

func loadConfig(c *cli.Context) (*zkasync.Config, error) {
	cfg := &zkasync.Config{}
	if path := c.GlobalString("conf"); path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, errors.Wrap(err, "open config")
		}
		defer f.Close()
		if cfg, err = zkasync.LoadConfig(f); err != nil && len(c.GlobalStringSlice("server")) == 0 {
			return nil, err
		}
		if cfg == nil {
			cfg = &zkasync.Config{}
		}
	}
	if servers := c.GlobalStringSlice("server"); len(servers) > 0 {
		cfg.Servers = servers
	}
	if addr := c.GlobalString("statsd"); addr != "" {
		cfg.StatsdAddress = addr
	}
	return cfg, nil
}

func serializer(c *cli.Context) (serversets.InstanceSerializer[payload], error) {
	switch codec := c.GlobalString("codec"); codec {
	case "json":
		return serversets.JSONSerializer[payload]{}, nil
	case "thrift":
		return serversets.ThriftSerializer[payload]{}, nil
	default:
		return nil, fmt.Errorf("unknown codec %q", codec)
	}
}

// connect opens the client and a server set over it. The returned func closes the client.
func connect(c *cli.Context) (*serversets.ServerSet[payload], func(), error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, nil, err
	}
	codec, err := serializer(c)
	if err != nil {
		return nil, nil, err
	}
	client, err := zkasync.Connect(*cfg)
	if err != nil {
		return nil, nil, err
	}
	ss := serversets.New[payload](client.Conn(), codec, serversets.WithBasePath(c.GlobalString("base-path")))
	return ss, client.Close, nil
}

func parsePayload(pairs []string) (payload, error) {
	p := make(payload, len(pairs))
	for _, pair := range pairs {
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 || kv[0] == "" {
			return nil, fmt.Errorf("payload %q is not key=value", pair)
		}
		p[kv[0]] = kv[1]
	}
	return p, nil
}

func registerInstance(c *cli.Context) error {
	p, err := parsePayload(c.StringSlice("payload"))
	if err != nil {
		return err
	}
	instance := serversets.NewServiceInstance(c.String("name"), c.String("address"), c.Int("port"), p)
	instance.ServiceType = serversets.ServiceType(strings.ToUpper(c.String("type")))

	ss, closeClient, err := connect(c)
	if err != nil {
		return err
	}
	defer closeClient()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	created, err := ss.RegisterService(ctx, instance)
	cancel()
	if err != nil {
		return err
	}
	fmt.Println(created)

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	<-signals
	log.WithField("path", created).Info("shutting down")
	if instance.ServiceType.IsDynamic() {
		return ss.Close()
	}
	return nil
}

func listInstances(c *cli.Context) error {
	ss, closeClient, err := connect(c)
	if err != nil {
		return err
	}
	defer closeClient()

	name := c.String("name")
	if name == "" {
		names, err := ss.QueryForNames()
		if err != nil {
			return err
		}
		for _, n := range names {
			fmt.Println(n)
		}
		return nil
	}

	instances, err := ss.QueryForInstances(name)
	if err != nil {
		return err
	}
	for _, i := range instances {
		state := "enabled"
		if !i.IsAlive() {
			state = "disabled"
		}
		fmt.Printf("%s\t%s\t%s\t%s\t%v\n", i.ID, i.Endpoint(), i.ServiceType, state, i.Payload)
	}
	return nil
}

func unregisterInstance(c *cli.Context) error {
	ss, closeClient, err := connect(c)
	if err != nil {
		return err
	}
	defer closeClient()

	instance, err := ss.QueryForInstance(c.String("name"), c.String("id"))
	if err != nil {
		return err
	}
	if instance == nil {
		return fmt.Errorf("no instance %s of %s", c.String("id"), c.String("name"))
	}
	return ss.UnregisterService(instance)
}
