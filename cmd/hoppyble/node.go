package main

import (
	"fmt"
	"os"

	"github.com/hoppyshare/hoppyshare-ble/bluez"
	"github.com/hoppyshare/hoppyshare-ble/config"
	"github.com/hoppyshare/hoppyshare-ble/groupkey"
	"github.com/hoppyshare/hoppyshare-ble/inbox"
	"github.com/hoppyshare/hoppyshare-ble/kotlin"
	"github.com/hoppyshare/hoppyshare-ble/logger"
	"github.com/hoppyshare/hoppyshare-ble/transport"
	"github.com/hoppyshare/hoppyshare-ble/util"
)

// node is one device: radio, transport and inbox built from a config file.
type node struct {
	cfg       *config.Config
	manager   *kotlin.BluetoothManager
	transport *transport.Transport
	inbox     *inbox.Inbox
}

func openNode(path, bluezAdapter string) (*node, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if cfg.LogLevel != "" {
		logger.SetLevel(logger.ParseLevel(cfg.LogLevel))
	}
	if cfg.DataDir != "" {
		os.Setenv(util.DataDirEnv, cfg.DataDir)
	}

	material, err := cfg.KeyMaterial()
	if err != nil {
		return nil, err
	}

	manager := kotlin.NewBluetoothManager(cfg.Address)
	adapter := manager.GetAdapter()
	if bluezAdapter != "" {
		adapter.SetRadioProbe(bluez.NewRadio(bluezAdapter).Powered)
	}
	if !adapter.Enable() {
		return nil, fmt.Errorf("could not enable radio %s", cfg.Address)
	}

	opts := []inbox.Option{inbox.WithCacheTime(cfg.CacheTime)}
	if cfg.InboxStore != "" {
		store, err := inbox.OpenBadger(cfg.InboxStore)
		if err != nil {
			adapter.Disable()
			return nil, err
		}
		opts = append(opts, inbox.WithStore(store))
	}
	in := inbox.New(cfg.DeviceID, opts...)

	tr := transport.New(cfg.TransportConfig(), groupkey.NewCache(material), manager, kotlin.AllPermissions(),
		transport.WithDeliverer(in))
	tr.SetEnabled(cfg.IsEnabled())

	return &node{cfg: cfg, manager: manager, transport: tr, inbox: in}, nil
}

func (n *node) close() {
	n.transport.Stop()
	n.manager.GetAdapter().Disable()
	if err := n.inbox.Close(); err != nil {
		logger.Warn(logger.Prefix(n.cfg.DeviceID, "cli"), "closing inbox: %v", err)
	}
}
