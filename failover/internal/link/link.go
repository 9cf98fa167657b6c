// Package link validates the WAN interface and the bound source address
// against the kernel's view of links and addresses.
package link

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/vishvananda/netlink"
	"go.uber.org/zap"

	"github.com/yanet-platform/nat66-failover/common/go/xnetip"
)

// maxNameLen is IFNAMSIZ without the trailing NUL.
const maxNameLen = 15

// Handle is the subset of netlink operations used for validation.
type Handle interface {
	LinkByName(name string) (netlink.Link, error)
	LinkList() ([]netlink.Link, error)
	AddrList(link netlink.Link, family int) ([]netlink.Addr, error)
}

type kernelHandle struct{}

func (kernelHandle) LinkByName(name string) (netlink.Link, error) {
	return netlink.LinkByName(name)
}

func (kernelHandle) LinkList() ([]netlink.Link, error) {
	return netlink.LinkList()
}

func (kernelHandle) AddrList(link netlink.Link, family int) ([]netlink.Addr, error) {
	return netlink.AddrList(link, family)
}

// Option is a function that configures the validator.
type Option func(*options)

// WithLog configures the validator with a logger.
func WithLog(log *zap.SugaredLogger) Option {
	return func(o *options) {
		o.Log = log
	}
}

// WithHandle replaces the netlink handle.
func WithHandle(handle Handle) Option {
	return func(o *options) {
		o.Handle = handle
	}
}

type options struct {
	Log    *zap.SugaredLogger
	Handle Handle
}

func newOptions() *options {
	return &options{
		Log:    zap.NewNop().Sugar(),
		Handle: kernelHandle{},
	}
}

// ValidName reports whether name is a syntactically valid interface name.
func ValidName(name string) error {
	switch {
	case name == "":
		return fmt.Errorf("interface name is empty")
	case len(name) > maxNameLen:
		return fmt.Errorf("interface name %q is longer than %d bytes", name, maxNameLen)
	case name == "." || name == "..":
		return fmt.Errorf("interface name %q is reserved", name)
	case strings.ContainsAny(name, "/: \t\n"):
		return fmt.Errorf("interface name %q contains forbidden characters", name)
	}
	return nil
}

// Validate checks that the WAN interface exists.
//
// A down interface or a source address that is not assigned to any local
// link is only reported: the delegated prefix may be re-assigned at any
// moment and the probes will tell.
func Validate(iface string, source netip.Addr, options ...Option) error {
	opts := newOptions()
	for _, o := range options {
		o(opts)
	}
	log := opts.Log

	if err := ValidName(iface); err != nil {
		return err
	}

	link, err := opts.Handle.LinkByName(iface)
	if err != nil {
		return fmt.Errorf("failed to find interface %q: %w", iface, err)
	}

	attrs := link.Attrs()
	if attrs.OperState != netlink.OperUp && attrs.OperState != netlink.OperUnknown {
		log.Warnw("WAN interface is not up",
			zap.String("interface", iface),
			zap.Stringer("state", attrs.OperState),
		)
	}

	owner, err := findAddr(opts.Handle, source)
	if err != nil {
		log.Warnw("failed to list local addresses", zap.Error(err))
		return nil
	}
	if owner == "" {
		log.Warnw("bound source address is not assigned to any local interface",
			zap.Stringer("source", source),
		)
		return nil
	}

	log.Infow("validated interfaces",
		zap.String("wan", iface),
		zap.Stringer("source", source),
		zap.String("source_interface", owner),
	)
	return nil
}

// findAddr returns the name of the link that holds addr, if any.
func findAddr(handle Handle, addr netip.Addr) (string, error) {
	links, err := handle.LinkList()
	if err != nil {
		return "", fmt.Errorf("failed to list links: %w", err)
	}

	for _, link := range links {
		addrs, err := handle.AddrList(link, xnetip.Family(addr))
		if err != nil {
			return "", fmt.Errorf("failed to list addresses of %q: %w", link.Attrs().Name, err)
		}
		for _, a := range addrs {
			local, ok := xnetip.FromIPNet(a.IPNet)
			if ok && local == addr.WithZone("").Unmap() {
				return link.Attrs().Name, nil
			}
		}
	}
	return "", nil
}
