// Command meshrpc-demo runs an echo provider, a consumer, or both against
// the configured registry.
//
//	meshrpc-demo --mode both --registry memory
//	meshrpc-demo --config rpc.yaml --mode provider
//	meshrpc-demo --config rpc.yaml --mode consumer --name alice
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"meshrpc/bootstrap"
	"meshrpc/client"
	"meshrpc/config"
	"meshrpc/server"
)

type HelloRequest struct {
	Name string `json:"name"`
}

func echoService() *server.Service {
	return server.NewService().
		Handle("echo", server.Method1(func(_ context.Context, s string) (string, error) {
			return "Echo: " + s, nil
		})).
		Handle("hello", server.Method1(func(_ context.Context, req HelloRequest) (string, error) {
			return "Hello, " + req.Name, nil
		}))
}

func main() {
	configPath := pflag.String("config", "", "yaml config file")
	mode := pflag.String("mode", "both", "provider, consumer or both")
	registryType := pflag.String("registry", "", "override registry.type")
	name := pflag.String("name", "meshrpc", "name sent by the consumer")
	calls := pflag.Int("calls", 5, "number of consumer calls")
	pflag.Parse()

	if err := run(*configPath, *mode, *registryType, *name, *calls); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath, mode, registryType, name string, calls int) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if registryType != "" {
		cfg.Registry.Type = registryType
	}

	fw, err := bootstrap.New(cfg)
	if err != nil {
		return err
	}
	defer fw.Close()
	log := fw.Logger()

	provide := mode == "provider" || mode == "both"
	consume := mode == "consumer" || mode == "both"
	if !provide && !consume {
		return fmt.Errorf("unknown mode %q", mode)
	}

	if provide {
		if err := fw.ExportService("Echo", "", "", echoService()); err != nil {
			return err
		}
		if err := fw.Start(); err != nil {
			return err
		}
		log.Info("provider started", zap.Stringer("addr", fw.Addr()))
	}

	if consume {
		if err := consumeEcho(fw, name, calls); err != nil {
			return err
		}
	}

	if provide && mode == "provider" {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig
		log.Info("shutting down")
	}
	return nil
}

func consumeEcho(fw *bootstrap.Framework, name string, calls int) error {
	proxy, err := fw.CreateProxy(client.InterfaceDesc{
		Name: "Echo",
		Methods: []client.MethodDesc{
			{Name: "echo", ParamTypes: []string{"string"}},
			{Name: "hello", ParamTypes: []string{"main.HelloRequest"}},
		},
	}, "", "")
	if err != nil {
		return err
	}

	for i := 0; i < calls; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		out, err := client.Invoke[string](ctx, proxy, "echo", fmt.Sprintf("%s #%d", name, i+1))
		cancel()
		if err != nil {
			return fmt.Errorf("call %d: %w", i+1, err)
		}
		fmt.Println(out)
	}

	hello, err := client.Invoke[string](context.Background(), proxy, "hello", HelloRequest{Name: name})
	if err != nil {
		return err
	}
	fmt.Println(hello)
	return nil
}
