package config

import (
	"encoding/json"
	"os"

	"github.com/AmirrezaFarnamTaheri/Noteece-sub006/internal/flagx"
	"github.com/AmirrezaFarnamTaheri/Noteece-sub006/internal/timex"
)

// JsonConfig mirrors Config for JSON decoding. Pointer fields distinguish
// "absent" from zero values so a partial file only overrides what it names.
type JsonConfig struct {
	DatabasePath *string `json:"database_path"`
	DeviceName   *string `json:"device_name"`
	ListenAddr   *string `json:"listen_addr"`
	ListenPort   *int    `json:"listen_port"`
	PeerAddr     *string `json:"peer_addr"`

	HandshakeTimeout *timex.Duration `json:"handshake_timeout"`
	ManifestTimeout  *timex.Duration `json:"manifest_timeout"`
	PullTimeout      *timex.Duration `json:"pull_timeout"`
	PushTimeout      *timex.Duration `json:"push_timeout"`
}

func parseJson(cfg *Config) {
	path := flagx.JsonConfigFlags()
	if path == "" {
		return
	}

	data, err := os.ReadFile(path)
	if err != nil {
		panic(err)
	}

	var jc JsonConfig
	if err := json.Unmarshal(data, &jc); err != nil {
		panic(err)
	}

	if jc.DatabasePath != nil {
		cfg.DatabasePath = *jc.DatabasePath
	}
	if jc.DeviceName != nil {
		cfg.DeviceName = *jc.DeviceName
	}
	if jc.ListenAddr != nil {
		cfg.ListenAddr = *jc.ListenAddr
	}
	if jc.ListenPort != nil {
		cfg.ListenPort = *jc.ListenPort
	}
	if jc.PeerAddr != nil {
		cfg.PeerAddr = *jc.PeerAddr
	}
	if jc.HandshakeTimeout != nil {
		cfg.HandshakeTimeout = jc.HandshakeTimeout.Duration
	}
	if jc.ManifestTimeout != nil {
		cfg.ManifestTimeout = jc.ManifestTimeout.Duration
	}
	if jc.PullTimeout != nil {
		cfg.PullTimeout = jc.PullTimeout.Duration
	}
	if jc.PushTimeout != nil {
		cfg.PushTimeout = jc.PushTimeout.Duration
	}
}
