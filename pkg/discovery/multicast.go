package discovery

import (
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/meshrender/farm/pkg/types"
)

const multicastGroup = "239.255.42.99"

// openMulticast joins the shared multicast group used for heartbeat and
// goodbye datagrams. It is a best-effort accelerator: failures here never
// block Start, since the filesystem and HTTP paths remain authoritative.
func (p *Plane) openMulticast() error {
	addr, err := net.ResolveUDPAddr("udp4", fmt.Sprintf("%s:%d", multicastGroup, p.cfg.UDPPort))
	if err != nil {
		return fmt.Errorf("resolve multicast addr: %w", err)
	}
	conn, err := net.ListenMulticastUDP("udp4", nil, addr)
	if err != nil {
		return fmt.Errorf("listen multicast: %w", err)
	}
	conn.SetReadBuffer(64 * 1024)

	p.udpConn = conn
	p.udpAddr = addr
	go p.sendLoop()
	return nil
}

// sendLoop broadcasts a heartbeat datagram on the same ~3s cadence as the
// registry tick loop.
func (p *Plane) sendLoop() {
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.sendHeartbeat()
		}
	}
}

func (p *Plane) sendHeartbeat() {
	local := p.registry.LocalSnapshot()
	hb := types.HeartbeatDatagram{
		Type:        types.DatagramHeartbeat,
		NodeID:      p.cfg.NodeID,
		IP:          p.localIP,
		Port:        p.cfg.HTTPPort,
		NodeState:   local.NodeState,
		RenderState: local.RenderState,
		JobID:       local.ActiveJob,
		ChunkID:     local.ActiveChunk,
		Priority:    local.Priority,
	}
	p.sendDatagram(hb)
}

func (p *Plane) sendGoodbye() {
	bye := types.GoodbyeDatagram{Type: types.DatagramGoodbye, NodeID: p.cfg.NodeID}
	p.sendDatagram(bye)
}

func (p *Plane) sendDatagram(v any) {
	if p.udpConn == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	conn, err := net.DialUDP("udp4", nil, p.udpAddr)
	if err != nil {
		return
	}
	defer conn.Close()
	_, _ = conn.Write(data)
}

// receiveLoop reads incoming datagrams and routes them into the registry as
// the fast-path UdpHeartbeat/UdpGoodbye update messages.
func (p *Plane) receiveLoop() {
	buf := make([]byte, 4096)
	for {
		select {
		case <-p.stopCh:
			return
		default:
		}

		p.udpConn.SetReadDeadline(time.Now().Add(1 * time.Second))
		n, src, err := p.udpConn.ReadFromUDP(buf)
		if err != nil {
			continue
		}

		var probe struct {
			Type string `json:"t"`
		}
		if err := json.Unmarshal(buf[:n], &probe); err != nil {
			continue
		}

		switch probe.Type {
		case types.DatagramHeartbeat:
			var hb types.HeartbeatDatagram
			if err := json.Unmarshal(buf[:n], &hb); err != nil {
				continue
			}
			ip := hb.IP
			if ip == "" {
				ip = src.IP.String()
			}
			p.registry.ProcessUDPHeartbeat(hb, ip, nowMs())
		case types.DatagramGoodbye:
			var bye types.GoodbyeDatagram
			if err := json.Unmarshal(buf[:n], &bye); err != nil {
				continue
			}
			p.registry.ProcessUDPGoodbye(bye.NodeID)
		}
	}
}

// clearStaleUDPContact drops has_udp_contact for any peer whose last
// heartbeat is older than udpSilenceWindow. Called once per tick alongside
// the other registry mutations.
func (p *Plane) clearStaleUDPContact() {
	now := time.Now()
	for _, id := range p.registry.PeerIDs() {
		peer, ok := p.registry.Peer(id)
		if !ok || !peer.HasUDPContact {
			continue
		}
		if now.Sub(msToTime(peer.LastUDPContactMs)) >= udpSilenceWindow {
			p.registry.MutatePeer(id, func(e *types.PeerEntry) {
				e.HasUDPContact = false
			})
		}
	}
}
