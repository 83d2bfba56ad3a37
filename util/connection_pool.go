package util

import (
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// ConnectionPool keeps one client connection per address.
type ConnectionPool struct {
	sync.Map
}

func (p *ConnectionPool) GetConnection(address string) (*grpc.ClientConn, error) {
	if conn, ok := p.getConnection(address); ok {
		return conn, nil
	}

	conn, err := grpc.Dial(address, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}

	if existing, loaded := p.LoadOrStore(address, conn); loaded {
		conn.Close()
		return existing.(*grpc.ClientConn), nil
	}
	return conn, nil
}

// Remove closes and forgets the connection to address, if any.
func (p *ConnectionPool) Remove(address string) {
	if item, ok := p.LoadAndDelete(address); ok {
		item.(*grpc.ClientConn).Close()
	}
}

func (p *ConnectionPool) Close() {
	p.Range(func(key, value interface{}) bool {
		value.(*grpc.ClientConn).Close()
		p.Delete(key)
		return true
	})
}

func (p *ConnectionPool) getConnection(address string) (*grpc.ClientConn, bool) {
	if item, ok := p.Load(address); !ok {
		return nil, false
	} else {
		return item.(*grpc.ClientConn), true
	}
}
