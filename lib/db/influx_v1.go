package db

import (
	"context"
	"fmt"
	"net"
	"strconv"
)

// InfluxDBV1Handler writes line protocol to an InfluxDB 1.x UDP listener.
type InfluxDBV1Handler struct {
	conn *net.UDPConn
	addr string
}

// Initialize sets up the InfluxDB UDP connection
func (h *InfluxDBV1Handler) Initialize(cfg Config) error {
	h.addr = net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port))

	addr, err := net.ResolveUDPAddr("udp", h.addr)
	if err != nil {
		return fmt.Errorf("resolving influxdb address %s: %w", h.addr, err)
	}

	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return fmt.Errorf("creating influxdb udp client: %w", err)
	}

	h.conn = conn
	return nil
}

// CreateQuery Generates InfluxDB query for measurement group
func (h *InfluxDBV1Handler) CreateQuery(measurements MeasurementGroup) string {
	return CreateQuery(measurements)
}

// Insert sends the measurement group data to InfluxDB using UDP
func (h *InfluxDBV1Handler) Insert(ctx context.Context, measurements MeasurementGroup) error {
	if h.conn == nil {
		return fmt.Errorf("influxdb udp client not initialized")
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = h.conn.SetWriteDeadline(deadline)
	}
	if _, err := h.conn.Write([]byte(h.CreateQuery(measurements) + "\n")); err != nil {
		return fmt.Errorf("error sending data to InfluxDB over UDP: %w", err)
	}
	return nil
}

// Close closes the InfluxDB UDP client when done
func (h *InfluxDBV1Handler) Close() error {
	if h.conn == nil {
		return nil
	}
	return h.conn.Close()
}
