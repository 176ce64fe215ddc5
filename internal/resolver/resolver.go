// Package resolver turns a service domain into a connectable Destination
// using SRV service records with a direct host fallback.
package resolver

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sort"

	"github.com/amlith/wisp/internal/common"
	"github.com/amlith/wisp/internal/transport"
	"github.com/miekg/dns"
	log "github.com/sirupsen/logrus"
)

const srvService = "_xmpp-client._tcp."

type Resolver struct {
	client *dns.Client
	server string
	world  common.WorldState
}

// New makes a resolver querying the given "host:port" DNS server. An empty
// server uses the first nameserver from /etc/resolv.conf. world supplies
// the entropy for the weighted record pick.
func New(server string, world common.WorldState) (*Resolver, error) {
	if server == "" {
		conf, err := dns.ClientConfigFromFile("/etc/resolv.conf")
		if err != nil {
			return nil, fmt.Errorf("loading resolver configuration: %w", err)
		}
		if len(conf.Servers) == 0 {
			return nil, fmt.Errorf("no nameservers configured")
		}
		server = net.JoinHostPort(conf.Servers[0], conf.Port)
	}
	return &Resolver{
		client: new(dns.Client),
		server: server,
		world:  world,
	}, nil
}

// Resolve looks up the SRV record set of domain and resolves the selected
// target to an address. Domains without SRV records fall back to a direct
// lookup of the domain itself on fallbackPort.
func (r *Resolver) Resolve(domain string, fallbackPort int) (transport.Destination, error) {
	target, port := domain, fallbackPort

	srvs, err := r.lookupSRV(domain)
	if err != nil {
		log.Debugf("SRV lookup for %v failed, using direct fallback: %v", domain, err)
	} else if len(srvs) > 0 {
		picked := pickSRV(srvs, r.world.Rand)
		target = picked.Target
		port = int(picked.Port)
		log.Debugf("SRV record selected for %v: %v:%v", domain, target, port)
	}

	ip, ipv6, err := r.lookupHost(target)
	if err != nil {
		return transport.Destination{}, fmt.Errorf("resolving %v: %w", target, err)
	}
	return transport.Destination{
		Hostname: domain,
		IP:       ip,
		IPv6:     ipv6,
		Port:     port,
	}, nil
}

func (r *Resolver) lookupSRV(domain string) ([]*dns.SRV, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(srvService+domain), dns.TypeSRV)
	in, _, err := r.client.Exchange(msg, r.server)
	if err != nil {
		return nil, err
	}
	var srvs []*dns.SRV
	for _, answer := range in.Answer {
		if srv, ok := answer.(*dns.SRV); ok {
			srvs = append(srvs, srv)
		}
	}
	return srvs, nil
}

func (r *Resolver) lookupHost(host string) (net.IP, bool, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(host), dns.TypeA)
	in, _, err := r.client.Exchange(msg, r.server)
	if err == nil {
		for _, answer := range in.Answer {
			if a, ok := answer.(*dns.A); ok {
				return a.A, false, nil
			}
		}
	}

	msg = new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(host), dns.TypeAAAA)
	in, _, err = r.client.Exchange(msg, r.server)
	if err != nil {
		return nil, false, err
	}
	for _, answer := range in.Answer {
		if aaaa, ok := answer.(*dns.AAAA); ok {
			return aaaa.AAAA, true, nil
		}
	}
	return nil, false, fmt.Errorf("no address records for %v", host)
}

// pickSRV selects among the records of the lowest priority, weighted by the
// records' weights per RFC 2782. entropy supplies the roll.
func pickSRV(srvs []*dns.SRV, entropy io.Reader) *dns.SRV {
	sort.SliceStable(srvs, func(i, j int) bool { return srvs[i].Priority < srvs[j].Priority })
	group := srvs[:1]
	for _, srv := range srvs[1:] {
		if srv.Priority != group[0].Priority {
			break
		}
		group = append(group, srv)
	}

	total := 0
	for _, srv := range group {
		total += int(srv.Weight)
	}
	if total == 0 {
		return group[rollBelow(entropy, len(group))]
	}
	roll := rollBelow(entropy, total)
	for _, srv := range group {
		roll -= int(srv.Weight)
		if roll < 0 {
			return srv
		}
	}
	return group[len(group)-1]
}

// rollBelow draws a uniform-enough value in [0, n) from entropy. A broken
// entropy source degrades to always picking the first record.
func rollBelow(entropy io.Reader, n int) int {
	var oct [8]byte
	if _, err := io.ReadFull(entropy, oct[:]); err != nil {
		return 0
	}
	return int(binary.BigEndian.Uint64(oct[:]) % uint64(n))
}
