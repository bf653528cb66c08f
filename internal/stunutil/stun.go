package stunutil

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pion/stun/v3"
)

const (
	NATTypeUnknown          = "unknown"
	NATTypeSymmetric        = "symmetric"
	NATTypeConeOrRestricted = "cone_or_restricted"
)

// Result is the relay's STUN-discovered public endpoint.
type Result struct {
	PublicAddr string `json:"public_addr"`
	NATType    string `json:"nat_type"`
}

// Discover asks the STUN server for the relay's public mapped address.
// Two independent bindings are made; a symmetric NAT maps each socket to
// a different public port, which would make inbound WireGuard handshakes
// to a published endpoint unreliable.
func Discover(ctx context.Context, server string, timeout time.Duration) (Result, error) {
	first, err := bind(ctx, server, timeout)
	if err != nil {
		return Result{NATType: NATTypeUnknown}, err
	}
	second, err := bind(ctx, server, timeout)
	if err != nil {
		// One good answer still names the endpoint.
		return Result{PublicAddr: first, NATType: NATTypeUnknown}, nil
	}
	return Result{PublicAddr: first, NATType: Classify(first, second)}, nil
}

// Classify compares two mapped addresses observed on separate sockets.
func Classify(a, b string) string {
	if a == "" || b == "" {
		return NATTypeUnknown
	}
	if a != b {
		return NATTypeSymmetric
	}
	return NATTypeConeOrRestricted
}

// bind opens a fresh socket to the server and performs one binding
// request, returning the XOR-mapped address.
func bind(ctx context.Context, server string, timeout time.Duration) (string, error) {
	uriStr := strings.TrimSpace(server)
	if uriStr == "" {
		return "", fmt.Errorf("no STUN server configured")
	}
	if !strings.HasPrefix(uriStr, "stun:") {
		uriStr = "stun:" + uriStr
	}
	uri, err := stun.ParseURI(uriStr)
	if err != nil {
		return "", err
	}

	client, err := stun.DialURI(uri, &stun.DialConfig{})
	if err != nil {
		return "", err
	}
	defer client.Close()

	msg := stun.MustBuild(stun.TransactionID, stun.BindingRequest)
	result := make(chan stun.XORMappedAddress, 1)
	fail := make(chan error, 1)

	go func() {
		var addr stun.XORMappedAddress
		err := client.Do(msg, func(res stun.Event) {
			if res.Error != nil {
				fail <- res.Error
				return
			}
			if err := addr.GetFrom(res.Message); err != nil {
				fail <- err
				return
			}
			result <- addr
		})
		if err != nil {
			fail <- err
		}
	}()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	select {
	case addr := <-result:
		return addr.String(), nil
	case err := <-fail:
		return "", err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
