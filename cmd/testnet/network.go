package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/opd-ai/permastore"
	"github.com/opd-ai/permastore/api"
	"github.com/opd-ai/permastore/config"
	"github.com/opd-ai/permastore/crypto"
	"github.com/opd-ai/permastore/dht"
	"github.com/opd-ai/permastore/transport"
)

const pollInterval = 20 * time.Millisecond

// testNetwork is N nodes sharing an in-memory datagram network, each with a
// loopback HTTP API.
type testNetwork struct {
	config  *TestConfig
	network *transport.MemoryNetwork
	nodes   []*permastore.Node
	dirs    []string
	trs     []*transport.MemoryTransport
	client  *http.Client

	payload []byte
	hash    string
}

func newTestNetwork(cfg *TestConfig) *testNetwork {
	return &testNetwork{
		config:  cfg,
		network: transport.NewMemoryNetwork(),
		client:  &http.Client{Timeout: cfg.StepTimeout},
	}
}

// Start creates every node. Node i > 0 bootstraps through node 0.
func (tn *testNetwork) Start(ctx context.Context) error {
	for i := 0; i < tn.config.Nodes; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := tn.startNode(ctx, i); err != nil {
			return fmt.Errorf("node %d: %w", i, err)
		}
	}
	return nil
}

func (tn *testNetwork) startNode(ctx context.Context, i int) error {
	dir, err := os.MkdirTemp("", "permastore-testnet-")
	if err != nil {
		return err
	}
	tn.dirs = append(tn.dirs, dir)

	tr, err := tn.network.Listen()
	if err != nil {
		return err
	}
	tn.trs = append(tn.trs, tr)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return err
	}

	cfg := config.Default()
	cfg.DataDir = dir
	cfg.PublicAPIURL = "http://" + ln.Addr().String()
	cfg.RPCTimeout = tn.config.RPCTimeout
	cfg.RPCRetries = 1
	cfg.LookupTimeout = tn.config.StepTimeout / 2
	if i > 0 {
		host, port, err := transport.SplitAddr(tn.trs[0].LocalAddr())
		if err != nil {
			return err
		}
		cfg.BootstrapNodes = []config.BootstrapNode{{Host: host, Port: port}}
	}

	node, err := permastore.New(cfg,
		permastore.WithTransport(tr),
		permastore.WithAPIListener(ln),
		permastore.WithDHTConfig(func(c *dht.Config) {
			c.BootstrapInitialInterval = 50 * time.Millisecond
			c.BootstrapMaxInterval = time.Second
		}),
	)
	if err != nil {
		ln.Close()
		return err
	}
	tn.nodes = append(tn.nodes, node)
	return node.Start(ctx)
}

// WaitBootstrapped waits until every node but the seed has bootstrapped.
func (tn *testNetwork) WaitBootstrapped(ctx context.Context) error {
	return poll(ctx, func() bool {
		for _, n := range tn.nodes[1:] {
			if !n.DHT().Stats().Bootstrapped {
				return false
			}
		}
		return true
	})
}

// Upload posts a random payload to the first node's API.
func (tn *testNetwork) Upload(ctx context.Context) error {
	tn.payload = make([]byte, tn.config.PayloadSize)
	if _, err := rand.Read(tn.payload); err != nil {
		return err
	}

	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	part, err := w.CreateFormFile("file", "testnet.bin")
	if err != nil {
		return err
	}
	if _, err := part.Write(tn.payload); err != nil {
		return err
	}
	if err := w.WriteField("tags", "testnet"); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tn.nodes[0].PublicURL()+"/upload", &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", w.FormDataContentType())

	resp, err := tn.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("upload returned %d", resp.StatusCode)
	}

	var up api.UploadResponse
	if err := json.NewDecoder(resp.Body).Decode(&up); err != nil {
		return err
	}
	if up.Hash != crypto.HashContentHex(tn.payload) {
		return fmt.Errorf("upload hash %s does not match payload", up.Hash)
	}
	tn.hash = up.Hash
	return nil
}

// WaitAnnounced waits for the first node's background announce and checks
// it owns a provider record for the payload.
func (tn *testNetwork) WaitAnnounced(ctx context.Context) error {
	sum, err := crypto.ParseHash(tn.hash)
	if err != nil {
		return err
	}
	first := tn.nodes[0]
	first.Transfer().Wait()
	if err := ctx.Err(); err != nil {
		return err
	}
	if !first.DHT().Owns(dht.NodeID(sum)) {
		return errors.New("first node does not own a provider record")
	}
	return nil
}

// DownloadRemote fetches the payload through the last node's API.
func (tn *testNetwork) DownloadRemote(ctx context.Context) error {
	return tn.download(ctx, "network")
}

// DownloadReplica fetches again; the last node now serves its cached copy.
func (tn *testNetwork) DownloadReplica(ctx context.Context) error {
	last := tn.nodes[len(tn.nodes)-1]
	last.Transfer().Wait()
	return tn.download(ctx, "local")
}

func (tn *testNetwork) download(ctx context.Context, wantSource string) error {
	last := tn.nodes[len(tn.nodes)-1]
	data, source, status, err := tn.get(ctx, last.PublicURL()+"/download/"+tn.hash)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("download returned %d: %s", status, data)
	}
	if !bytes.Equal(data, tn.payload) {
		return errors.New("downloaded bytes differ from payload")
	}
	if source != wantSource {
		return fmt.Errorf("served from %q, want %q", source, wantSource)
	}
	return nil
}

// DownloadMissing asks for content nobody has.
func (tn *testNetwork) DownloadMissing(ctx context.Context) error {
	last := tn.nodes[len(tn.nodes)-1]
	missing := crypto.HashContentHex([]byte("absent from the testnet"))

	body, _, status, err := tn.get(ctx, last.PublicURL()+"/download/"+missing)
	if err != nil {
		return err
	}
	if status != http.StatusNotFound {
		return fmt.Errorf("expected 404, got %d", status)
	}

	var e api.ErrorResponse
	if err := json.Unmarshal(body, &e); err != nil {
		return err
	}
	if e.Code != "CONTENT_NOT_FOUND" {
		return fmt.Errorf("expected CONTENT_NOT_FOUND, got %s", e.Code)
	}
	return nil
}

func (tn *testNetwork) get(ctx context.Context, url string) ([]byte, string, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", 0, err
	}
	resp, err := tn.client.Do(req)
	if err != nil {
		return nil, "", 0, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", 0, err
	}
	return data, resp.Header.Get("X-Permastore-Source"), resp.StatusCode, nil
}

// Close stops every node and removes their data directories.
func (tn *testNetwork) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var errs []error
	for i := len(tn.nodes) - 1; i >= 0; i-- {
		if err := tn.nodes[i].Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	for _, tr := range tn.trs {
		_ = tr.Close()
	}
	for _, dir := range tn.dirs {
		if err := os.RemoveAll(dir); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func poll(ctx context.Context, cond func() bool) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		if cond() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
