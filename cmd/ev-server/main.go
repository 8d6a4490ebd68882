package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"extvault/pkg/app"
	"extvault/pkg/config"
)

func main() {
	// 1. Load Config
	cfgFile := flag.String("config", "", "config file (default is $HOME/.ev/config.yaml)")
	role := flag.String("role", app.RoleAll, "process role: gateway, node or all")
	class := flag.String("class", "", "storage node class when --role=node: pdf, txt or zip")
	flag.Parse()

	if err := config.Load(*cfgFile); err != nil {
		log.Fatalf("❌ Config error: %v", err)
	}

	// 2. Init Core Application
	application, err := app.NewApp()
	if err != nil {
		log.Fatalf("❌ Failed to initialize app: %v", err)
	}
	defer application.Close()
	fmt.Printf("✅ extvault initialized (role=%s, framing=%s).\n", *role, application.Protocol.Framing)

	// 3. Graceful Shutdown: 信号取消 ctx，Run 等活跃连接结束后返回
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 4. Start Servers (阻塞)
	if err := application.Run(ctx, *role, *class); err != nil {
		fmt.Fprintf(os.Stderr, "❌ Server failed: %v\n", err)
		application.Close()
		os.Exit(1)
	}
	fmt.Println("👋 Server stopped.")
}
