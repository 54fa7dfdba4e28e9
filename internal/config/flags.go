package config

import (
	"flag"
	"os"

	"github.com/AmirrezaFarnamTaheri/Noteece-sub006/internal/flagx"
)

func parseFlags(cfg *Config) {
	args := flagx.FilterArgs(os.Args[1:], []string{"-d", "-n", "-l", "-p", "-s"})

	fs := flag.NewFlagSet("main", flag.ContinueOnError)
	fs.StringVar(&cfg.DatabasePath, "d", cfg.DatabasePath, "Path to the sqlite database")
	fs.StringVar(&cfg.DeviceName, "n", cfg.DeviceName, "Human-readable device name")
	fs.StringVar(&cfg.ListenAddr, "l", cfg.ListenAddr, "Address to listen on")
	fs.IntVar(&cfg.ListenPort, "p", cfg.ListenPort, "Port to listen on")
	fs.StringVar(&cfg.PeerAddr, "s", cfg.PeerAddr, "Peer to sync with once (host:port), then exit")

	if err := fs.Parse(args); err != nil {
		panic(err)
	}
}
