package api

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"
	"github.com/opd-ai/permastore/crypto"
	"github.com/opd-ai/permastore/transfer"
	"github.com/opd-ai/permastore/zkp"
)

const (
	defaultListLimit   = 100
	defaultSearchLimit = 10
	maxListLimit       = 1000
)

// StatusResponse reports node state. PeersConnected and PeersKnown are both
// the routing table size; ActiveConnections counts in-flight RPCs.
type StatusResponse struct {
	NodeID            string `json:"node_id"`
	FilesStored       int    `json:"files_stored"`
	PeersConnected    int    `json:"peers_connected"`
	PeersKnown        int    `json:"peers_known"`
	ActiveConnections int    `json:"active_connections"`
	ProviderKeys      int    `json:"provider_keys"`
	ProviderRecords   int    `json:"provider_records"`
	OwnedRecords      int    `json:"owned_records"`
	Bootstrapped      bool   `json:"bootstrapped"`
	RPCSent           uint64 `json:"rpc_sent"`
	RPCReceived       uint64 `json:"rpc_received"`
	RPCTimeouts       uint64 `json:"rpc_timeouts"`
	PublicURL         string `json:"public_url"`
	UptimeSeconds     int64  `json:"uptime_seconds"`
}

// UploadResponse is returned by POST /upload.
type UploadResponse struct {
	Status       string `json:"status"`
	Hash         string `json:"hash"`
	Size         int64  `json:"size"`
	Filename     string `json:"filename"`
	ZKPAvailable bool   `json:"zkp_available"`
	Message      string `json:"message"`
}

// PeerResponse is one routing table entry.
type PeerResponse struct {
	NodeID   string    `json:"node_id"`
	Address  string    `json:"address"`
	LastSeen time.Time `json:"last_seen"`
}

func (s *Server) handleInfo(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"name":    "PermaStore",
		"version": Version,
		"node_id": s.dht.Self().ID.String(),
		"status":  "Online",
		"endpoints": []string{
			"/status", "/health", "/peers", "/upload", "/download/{hash}",
			"/files", "/file-info/{hash}", "/search", "/zk-proof/{hash}", "/file/{hash}",
		},
	})
}

func (s *Server) handleStatus(c *fiber.Ctx) error {
	files, err := s.transfer.FilesStored(c.UserContext())
	if err != nil {
		return writeError(c, err)
	}

	stats := s.dht.Stats()
	return c.JSON(StatusResponse{
		NodeID:            stats.NodeID,
		FilesStored:       files,
		PeersConnected:    stats.PeersKnown,
		PeersKnown:        stats.PeersKnown,
		ActiveConnections: stats.RPC.InFlight,
		ProviderKeys:      stats.Providers.Keys,
		ProviderRecords:   stats.Providers.Records,
		OwnedRecords:      stats.Providers.Owned,
		Bootstrapped:      stats.Bootstrapped,
		RPCSent:           stats.RPC.Sent,
		RPCReceived:       stats.RPC.Received,
		RPCTimeouts:       stats.RPC.Timeouts,
		PublicURL:         s.transfer.PublicURL(),
		UptimeSeconds:     int64(time.Since(s.started).Seconds()),
	})
}

func (s *Server) handleHealth(c *fiber.Ctx) error {
	components := fiber.Map{}
	healthy := true

	if err := s.meta.Ping(c.UserContext()); err != nil {
		components["metadata"] = "error: " + err.Error()
		healthy = false
	} else {
		components["metadata"] = "ok"
	}

	if _, err := s.blobs.Count(); err != nil {
		components["storage"] = "error: " + err.Error()
		healthy = false
	} else {
		components["storage"] = "ok"
	}

	// An isolated DHT degrades discovery but local content is still served.
	if s.dht.PeersKnown() == 0 {
		components["dht"] = "isolated"
	} else {
		components["dht"] = "ok"
	}

	if s.prover != nil {
		components["zkp"] = "ok"
	} else {
		components["zkp"] = "disabled"
	}

	if !healthy {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"status":     "degraded",
			"components": components,
		})
	}
	return c.JSON(fiber.Map{
		"status":     "healthy",
		"components": components,
	})
}

func (s *Server) handlePeers(c *fiber.Ctx) error {
	contacts := s.dht.Contacts()
	peers := make([]PeerResponse, 0, len(contacts))
	for _, ct := range contacts {
		peers = append(peers, PeerResponse{
			NodeID:   ct.ID.String(),
			Address:  ct.Address(),
			LastSeen: ct.LastSeen,
		})
	}
	return c.JSON(fiber.Map{"count": len(peers), "peers": peers})
}

func (s *Server) handleUpload(c *fiber.Ctx) error {
	fh, err := c.FormFile("file")
	if err != nil {
		return badRequest(c, "multipart field 'file' is required")
	}

	f, err := fh.Open()
	if err != nil {
		return writeError(c, fmt.Errorf("open upload: %w", err))
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return writeError(c, fmt.Errorf("read upload: %w", err))
	}

	res, err := s.transfer.Upload(c.UserContext(), transfer.UploadRequest{
		Filename:    fh.Filename,
		ContentType: fh.Header.Get("Content-Type"),
		Tags:        splitTags(c.FormValue("tags")),
		Data:        data,
	})
	if err != nil {
		return writeError(c, err)
	}

	status := fiber.StatusCreated
	message := "File stored successfully"
	if res.Status == transfer.StatusDeduplicated {
		status = fiber.StatusOK
		message = "File already stored"
	}

	return c.Status(status).JSON(UploadResponse{
		Status:       res.Status,
		Hash:         res.Hash,
		Size:         res.Size,
		Filename:     res.Filename,
		ZKPAvailable: s.prover != nil,
		Message:      message,
	})
}

func (s *Server) handleDownload(c *fiber.Ctx) error {
	res, err := s.transfer.Download(c.UserContext(), hashParam(c))
	if err != nil {
		return writeError(c, err)
	}

	setFileHeaders(c, res)
	c.Set("X-Permastore-Source", res.Source)
	if res.Filename != "" {
		c.Set(fiber.HeaderContentDisposition, fmt.Sprintf("attachment; filename=%q", res.Filename))
	}
	return c.Send(res.Data)
}

// handlePeerFile serves local content only; it never triggers a lookup.
func (s *Server) handlePeerFile(c *fiber.Ctx) error {
	res, err := s.transfer.Local(c.UserContext(), hashParam(c))
	if err != nil {
		return writeError(c, err)
	}

	setFileHeaders(c, res)
	return c.Send(res.Data)
}

func setFileHeaders(c *fiber.Ctx, res *transfer.DownloadResult) {
	contentType := res.ContentType
	if contentType == "" {
		contentType = fiber.MIMEOctetStream
	}
	c.Set(fiber.HeaderContentType, contentType)
	c.Set(transfer.HashHeader, res.Hash)
	if res.Filename != "" {
		c.Set(transfer.FilenameHeader, res.Filename)
	}
}

func (s *Server) handleList(c *fiber.Ctx) error {
	limit, err := parseLimit(c.Query("limit"), defaultListLimit)
	if err != nil {
		return badRequest(c, err.Error())
	}

	files, err := s.transfer.List(c.UserContext(), limit)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(fiber.Map{"count": len(files), "files": files})
}

func (s *Server) handleFileInfo(c *fiber.Ctx) error {
	rec, err := s.transfer.Info(c.UserContext(), hashParam(c))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(rec)
}

func (s *Server) handleSearch(c *fiber.Ctx) error {
	query := strings.TrimSpace(c.Query("query"))
	if query == "" {
		return badRequest(c, "query parameter is required")
	}
	limit, err := parseLimit(c.Query("limit"), defaultSearchLimit)
	if err != nil {
		return badRequest(c, err.Error())
	}

	results, err := s.transfer.Search(c.UserContext(), query, limit)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(fiber.Map{"query": query, "count": len(results), "results": results})
}

func (s *Server) handleProof(c *fiber.Ctx) error {
	if s.prover == nil {
		return writeError(c, zkp.ErrDisabled)
	}

	hash := strings.ToLower(hashParam(c))
	if _, err := crypto.ParseHash(hash); err != nil {
		return writeError(c, fmt.Errorf("%w: %v", transfer.ErrInvalidHash, err))
	}

	proof, err := s.prover.GenerateProof(c.UserContext(), hash)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(proof)
}

func parseLimit(raw string, def int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("limit must be a positive integer")
	}
	if n > maxListLimit {
		n = maxListLimit
	}
	return n, nil
}

func splitTags(raw string) []string {
	if raw == "" {
		return nil
	}
	return strings.Split(raw, ",")
}

// hashParam copies the :hash route parameter out of fiber's request buffer.
func hashParam(c *fiber.Ctx) string {
	return utils.CopyString(c.Params("hash"))
}
