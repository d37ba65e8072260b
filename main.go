package main

import (
	"flag"
	"fmt"
	"net"

	"github.com/fansqz/go-bpsync/config"
	"github.com/sirupsen/logrus"
)

// 定义版本号
const Version = "1.0.0"

func main() {
	showVersion := flag.Bool("version", false, "Show the version number")
	configPath := flag.String("config", "", "YAML config file")
	port := flag.String("port", "", "TCP port to listen on")
	agentURL := flag.String("agent", "", "Websocket url of the debug agent")
	flag.Parse()

	// 检查是否需要显示版本信息
	if *showVersion {
		fmt.Printf("Version: %s\n", Version)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Printf("load config fail, err = %v\n", err)
		return
	}
	// 命令行参数覆盖配置文件
	if *port != "" {
		cfg.Port = *port
	}
	if *agentURL != "" {
		cfg.AgentURL = *agentURL
	}
	if err = cfg.Validate(); err != nil {
		fmt.Printf("invalid config, err = %v\n", err)
		return
	}

	//启动日志
	SetupLogger(cfg.LogPath, cfg.LogLevel)
	defer CloseLogger()

	// 监听端口
	listener, err := net.Listen("tcp", ":"+cfg.Port)
	if err != nil {
		fmt.Printf("listen at %s fail, err = %v\n", cfg.Port, err)
		return
	}
	defer listener.Close()
	fmt.Printf("started listening at: %s\n", listener.Addr().String())
	logrus.Infof("[main] started listening at: %s", listener.Addr().String())

	for {
		conn, err := listener.Accept()
		if err != nil {
			logrus.Errorf("[main] accept connection fail, err = %v", err)
			continue
		}
		// 每个客户端连接对应一个调试会话
		go handleConnection(conn, cfg, newAgentTransport(cfg))
	}
}
