package transport

import (
	"errors"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// SetupConnections dials every peer in peerAddrs except self. The returned
// slice is indexed by replica id and holds nil at self.
func SetupConnections(self int, peerAddrs []string, opts ...grpc.DialOption) ([]grpc.ClientConnInterface, func() error, error) {
	var err error
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)

	conns := make([]*grpc.ClientConn, len(peerAddrs))
	for i, addr := range peerAddrs {
		if i == self {
			continue
		}
		conn, clientError := grpc.NewClient(addr, opts...)
		if clientError != nil {
			err = errors.Join(err, fmt.Errorf("failed to dial peer %d at %s: %w", i, addr, clientError))
			for j := range i {
				if conns[j] == nil {
					continue
				}
				if closeErr := conns[j].Close(); closeErr != nil {
					err = errors.Join(err, fmt.Errorf("failed to close peer %d connections: %w", j, closeErr))
				}
			}
			return nil, nil, err
		}
		conns[i] = conn
	}

	closeFunc := func() error {
		var cferr error
		for i, conn := range conns {
			if conn == nil {
				continue
			}
			if cerr := conn.Close(); cerr != nil {
				cferr = errors.Join(cferr, fmt.Errorf("failed to close peer %d connections: %w", i, cerr))
			}
		}
		return cferr
	}

	ifaces := make([]grpc.ClientConnInterface, len(conns))
	for i, conn := range conns {
		if conn != nil {
			ifaces[i] = conn
		}
	}
	return ifaces, closeFunc, nil
}
