package engine

import (
	"bytes"
	"os"
	"sync"
	"time"

	"github.com/anacrolix/torrent"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/anacrolix/torrent/storage"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"reelgrab/internal/config"
)

const (
	alertBufferSize      = 256
	pieceSelectionWindow = 30
	maxEstablishedConns  = 50
	finishPollInterval   = time.Second
)

// TorrentSession drives a single anacrolix torrent client for the whole
// process.
type TorrentSession struct {
	client *torrent.Client
	logger zerolog.Logger

	mu      sync.RWMutex
	handles map[string]*torrentHandle
	closed  bool

	alerts chan Alert
}

// NewSession opens the engine's listen port and DHT per config. When the
// first port in the configured range is taken, the next ones are tried in
// order until one binds.
func NewSession(cfg *config.Config, log zerolog.Logger) (*TorrentSession, error) {
	clientConfig := torrent.NewDefaultClientConfig()
	clientConfig.DataDir = ""
	clientConfig.NoUpload = false
	clientConfig.DisableTrackers = false
	clientConfig.NoDHT = false
	clientConfig.DisableTCP = false
	clientConfig.DisableUTP = false
	clientConfig.EstablishedConnsPerTorrent = cfg.MaxConnections
	clientConfig.HalfOpenConnsPerTorrent = cfg.MaxConnections / 2
	clientConfig.TorrentPeersHighWater = cfg.MaxConnections * 2
	clientConfig.TorrentPeersLowWater = cfg.MaxConnections
	clientConfig.Seed = cfg.Seed

	if cfg.DownloadRateLimit > 0 {
		clientConfig.DownloadRateLimiter = rate.NewLimiter(rate.Limit(cfg.DownloadRateLimit), int(cfg.DownloadRateLimit))
	}
	if cfg.UploadRateLimit > 0 {
		clientConfig.UploadRateLimiter = rate.NewLimiter(rate.Limit(cfg.UploadRateLimit), int(cfg.UploadRateLimit))
	}

	portEnd := cfg.ListenPortEnd
	if portEnd < cfg.ListenPortStart {
		portEnd = cfg.ListenPortStart
	}
	var client *torrent.Client
	var err error
	for port := cfg.ListenPortStart; port <= portEnd; port++ {
		clientConfig.ListenPort = port
		client, err = torrent.NewClient(clientConfig)
		if err == nil {
			break
		}
		log.Warn().Err(err).Int("port", port).Msg("Listen port unavailable, trying next")
	}
	if err != nil {
		return nil, opErr("new client", err)
	}

	return &TorrentSession{
		client:  client,
		logger:  log.With().Str("component", "engine").Logger(),
		handles: make(map[string]*torrentHandle),
		alerts:  make(chan Alert, alertBufferSize),
	}, nil
}

// Attach registers a torrent with the engine. With resume data present the
// torrent is added from its stored metainfo and the file storage re-checks
// completed pieces, so no finished data is downloaded again.
func (s *TorrentSession) Attach(req AttachRequest) (Handle, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, opErr("attach", ErrSessionClosed)
	}
	s.mu.Unlock()

	var spec *torrent.TorrentSpec
	if len(req.ResumeData) > 0 {
		mi, err := metainfo.Load(bytes.NewReader(req.ResumeData))
		if err != nil {
			return nil, opErr("attach: load resume data", ErrMalformedSource)
		}
		spec = torrent.TorrentSpecFromMetaInfo(mi)
	} else {
		var err error
		spec, err = torrent.TorrentSpecFromMagnetUri(req.Magnet)
		if err != nil {
			return nil, opErr("attach: parse magnet", ErrMalformedSource)
		}
	}

	if err := os.MkdirAll(req.SavePath, 0755); err != nil {
		return nil, opErr("attach: create save path", ErrSavePath)
	}
	spec.Storage = storage.NewFile(req.SavePath)

	t, _, err := s.client.AddTorrentSpec(spec)
	if err != nil {
		return nil, opErr("attach: add torrent", err)
	}

	h := &torrentHandle{
		jobID:    req.JobID,
		torrent:  t,
		session:  s,
		savePath: req.SavePath,
		done:     make(chan struct{}),
	}

	s.mu.Lock()
	s.handles[req.JobID] = h
	s.mu.Unlock()

	go h.watch()

	s.logger.Info().Str("jobID", req.JobID).Str("infoHash", t.InfoHash().String()).Msg("Torrent attached")
	return h, nil
}

// Detach drops the torrent. Files on disk are kept unless deleteFiles is
// set.
func (s *TorrentSession) Detach(h Handle, deleteFiles bool) {
	th, ok := h.(*torrentHandle)
	if !ok {
		return
	}

	s.mu.Lock()
	delete(s.handles, th.jobID)
	s.mu.Unlock()

	th.stopWatch()

	var paths []string
	if deleteFiles && th.torrent.Info() != nil {
		for _, f := range th.torrent.Files() {
			paths = append(paths, f.Path())
		}
	}

	th.torrent.Drop()

	if deleteFiles {
		go th.deleteFiles(paths)
	}

	s.logger.Info().Str("jobID", th.jobID).Bool("deleteFiles", deleteFiles).Msg("Torrent detached")
}

// DrainAlerts empties the pending alert queue without blocking.
func (s *TorrentSession) DrainAlerts() []Alert {
	var alerts []Alert
	for {
		select {
		case a := <-s.alerts:
			alerts = append(alerts, a)
		default:
			return alerts
		}
	}
}

func (s *TorrentSession) emit(a Alert) {
	select {
	case s.alerts <- a:
	default:
		s.logger.Warn().Str("jobID", a.JobID).Str("kind", string(a.Kind)).Msg("Alert queue full, dropping alert")
	}
}

func (s *TorrentSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	handles := make([]*torrentHandle, 0, len(s.handles))
	for _, h := range s.handles {
		handles = append(handles, h)
	}
	s.handles = make(map[string]*torrentHandle)
	s.mu.Unlock()

	for _, h := range handles {
		h.stopWatch()
	}
	s.client.Close()
	return nil
}
