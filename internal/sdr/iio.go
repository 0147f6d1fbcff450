package sdr

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rjboer/refcheck/iiod"
	"github.com/rjboer/refcheck/internal/logging"
)

// dialIIOD is swapped in tests.
var dialIIOD = func(ctx context.Context, addr string, timeout time.Duration) (iiodClient, error) {
	return iiod.Dial(ctx, addr, timeout)
}

type iiodClient interface {
	Version(ctx context.Context) (string, error)
	Context(ctx context.Context) (*iiod.Context, error)
	ReadAttr(ctx context.Context, dev, attr string) (string, error)
	WriteAttr(ctx context.Context, dev, attr, value string) error
	Close() error
}

// iioTransport reads and writes attributes through an iiod server.
type iioTransport struct {
	client iiodClient
	desc   *iiod.Context
}

func (t *iioTransport) Nodes(context.Context) ([]attrNode, error) {
	nodes := make([]attrNode, 0, len(t.desc.Devices))
	for i := range t.desc.Devices {
		d := &t.desc.Devices[i]
		nodes = append(nodes, attrNode{Ref: d.Ref(), Name: d.DisplayName(), Attrs: d.AttrNames()})
	}
	return nodes, nil
}

func (t *iioTransport) Read(ctx context.Context, dev, attr string) (string, error) {
	return t.client.ReadAttr(ctx, dev, attr)
}

func (t *iioTransport) Write(ctx context.Context, dev, attr, value string) error {
	return t.client.WriteAttr(ctx, dev, attr, value)
}

func (t *iioTransport) Close() error { return t.client.Close() }

// openIIO connects to iiod. Recognized args: addr (host, host:port or
// ip:host), dev (pin the board), clock_attr, sensors (colon separated).
func openIIO(ctx context.Context, args Args, opts Options, log logging.Logger) (Device, error) {
	addr := args.Get("addr")
	if addr == "" {
		var err error
		if addr, err = firstIIODHost(ctx, opts, log); err != nil {
			return nil, err
		}
	}
	addr = iiod.NormalizeAddr(addr)

	client, err := dialIIOD(ctx, addr, opts.Timeout)
	if err != nil {
		return nil, err
	}
	desc, err := client.Context(ctx)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("fetch iiod context from %s: %w", addr, err)
	}

	header := fmt.Sprintf("IIO context %q at %s", desc.Name, addr)
	if desc.Description != "" {
		header += ": " + desc.Description
	}
	if version, err := client.Version(ctx); err != nil {
		log.Debug("iiod version unavailable", logging.F("addr", addr), logging.Err(err))
	} else if version = strings.TrimSpace(version); version != "" {
		header += "\n  iiod: " + version
	}
	if model, ok := desc.Attr("hw_model"); ok {
		header += "\n  Model: " + model
	}

	dev, err := newAttrDevice(ctx, &iioTransport{client: client, desc: desc}, header, profileFromArgs(args, opts.Attr), log)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	return dev, nil
}

func profileFromArgs(args Args, base AttrProfile) AttrProfile {
	p := base
	if v := args.Get("clock_attr"); v != "" {
		p.ClockAttr = v
	}
	if v := args.Get("dev"); v != "" {
		p.Device = v
	}
	if extra := args.List("sensors"); len(extra) > 0 {
		p.Sensors = append(append([]string{}, p.Sensors...), extra...)
	}
	return p
}
