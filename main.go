package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gitzhang10/LLMQ/config"
	"github.com/gitzhang10/LLMQ/node"
)

var conf *config.Config
var err error

func init() {
	conf, err = config.LoadConfig("", "config")
	if err != nil {
		panic(err)
	}
}

func main() {
	n, err := node.NewNode(conf)
	if err != nil {
		panic(err)
	}
	if err = n.StartP2PListen(); err != nil {
		panic(err)
	}
	// wait for each node to start
	time.Sleep(time.Second * 15)
	if err = n.EstablishP2PConns(); err != nil {
		panic(err)
	}
	if err = n.Start(); err != nil {
		panic(err)
	}
	fmt.Println("node starts the quorum services!")

	if conf.MetricsPort > 0 {
		go serveMetrics(n, conf.MetricsPort)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	if err = n.Stop(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveMetrics(n *node.Node, port int) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", n.Metrics().Handler())
	if err := http.ListenAndServe(":"+strconv.Itoa(port), mux); err != nil {
		fmt.Fprintln(os.Stderr, "metrics server stopped:", err)
	}
}
