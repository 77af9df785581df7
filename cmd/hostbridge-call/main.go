// hostbridge-call sends one request to a running bridge and prints the result.
//
//	hostbridge-call get_levels
//	hostbridge-call create_level --params '{"name":"Roof","elevation":12}'
//	hostbridge-call --etcd 127.0.0.1:2379 --host-name cad list_methods
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/pflag"

	"host-bridge/client"
	"host-bridge/config"
	"host-bridge/logging"
	"host-bridge/message"
	"host-bridge/registry"
)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		var rpcErr *message.ErrorObject
		if errors.As(err, &rpcErr) {
			fmt.Fprintf(os.Stderr, "bridge error %d: %s\n", rpcErr.Code, rpcErr.Message)
			os.Exit(2)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer) error {
	var configPath, addr, hostName, params string
	var endpoints []string

	flagSet := pflag.NewFlagSet("hostbridge-call", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	flagSet.StringVar(&addr, "addr", "", "bridge address (default from config)")
	flagSet.StringVar(&params, "params", "{}", "request params as a JSON object")
	flagSet.StringSliceVar(&endpoints, "etcd", nil, "discover the bridge through these etcd endpoints")
	flagSet.StringVar(&hostName, "host-name", "", "host name to discover")
	timeout := flagSet.Duration("timeout", 0, "call timeout (default from config)")
	flagSet.Usage = func() {
		fmt.Fprintln(os.Stderr, "usage: hostbridge-call [flags] <method>")
		flagSet.PrintDefaults()
	}

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if flagSet.NArg() != 1 {
		flagSet.Usage()
		return errors.New("exactly one method is required")
	}
	method := flagSet.Arg(0)

	cfg, err := config.LoadFile(configPath)
	if err != nil {
		return err
	}
	logger, err := logging.New("warn", cfg.Log.Format)
	if err != nil {
		return err
	}
	defer logger.Sync()

	var p map[string]json.RawMessage
	if err := json.Unmarshal([]byte(params), &p); err != nil {
		return fmt.Errorf("--params must be a JSON object: %w", err)
	}

	c := &client.Client{
		Addr:        cfg.Server.Addr,
		Logger:      logger,
		DialTimeout: cfg.Client.DialTimeout,
		CallTimeout: cfg.Client.CallTimeout,
	}
	if addr != "" {
		c.Addr = addr
	}
	if *timeout > 0 {
		c.CallTimeout = *timeout
	}
	if len(endpoints) == 0 {
		endpoints = cfg.Registry.Endpoints
	}
	if len(endpoints) > 0 && addr == "" {
		reg, err := registry.NewEtcdRegistry(endpoints, logger)
		if err != nil {
			return err
		}
		defer reg.Close()
		c.Registry = reg
		c.HostName = cfg.Registry.HostName
		if hostName != "" {
			c.HostName = hostName
		}
	}

	var result json.RawMessage
	if err := c.Call(context.Background(), method, p, &result); err != nil {
		return err
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}
