package main

import (
	"acdb/pkg/buffer"
	"acdb/pkg/db"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"golang.org/x/term"
)

func main() {
	listen := flag.String("listen", "", "serve sessions over TCP on this address instead of stdin")
	maxPages := flag.Uint("max-pages", buffer.DefaultMaxPages, "page ceiling for the table file")
	poolSize := flag.Int("pool-size", 0, "resident page frames, 0 keeps every page in memory")
	maxInternalKeys := flag.Int("max-internal-keys", 0, "internal node fan-out limit, 0 uses what fits in a page")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] <file>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Println("Must supply a database filename.")
		os.Exit(1)
	}
	path := flag.Arg(0)

	table, err := db.Open(path,
		db.WithMaxPages(uint32(*maxPages)),
		db.WithPoolSize(*poolSize),
		db.WithMaxInternalKeys(*maxInternalKeys),
	)
	if err != nil {
		log.Fatalf("open %s: %v", path, err)
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigs
		log.Printf("received %v, closing %s", sig, path)
		if err := table.Close(); err != nil {
			log.Fatalf("close %s: %v", path, err)
		}
		os.Exit(0)
	}()

	if *listen != "" {
		err = serve(table, *listen)
	} else {
		session := db.NewSession(table, os.Stdout)
		err = session.Run(os.Stdin, term.IsTerminal(int(os.Stdin.Fd())))
	}
	if err != nil {
		_ = table.Close()
		log.Fatalf("session: %v", err)
	}
	if err := table.Close(); err != nil {
		log.Fatalf("close %s: %v", path, err)
	}
}

// serve 逐个处理连接：表只有一个会话，第二个客户端在 listen backlog 里等第一个断开
func serve(table *db.Table, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	defer listener.Close()
	log.Printf("listening on %s", listener.Addr())

	for {
		conn, err := listener.Accept()
		if err != nil {
			log.Printf("accept: %v", err)
			continue
		}

		clientAddr := conn.RemoteAddr().String()
		log.Printf("connection from %s", clientAddr)
		session := db.NewSession(table, conn)
		err = session.Run(conn, true)
		conn.Close()

		var inputErr *db.InputError
		switch {
		case errors.As(err, &inputErr):
			log.Printf("%s: %v", clientAddr, err)
		case err != nil:
			return err
		default:
			log.Printf("%s disconnected", clientAddr)
		}
	}
}
