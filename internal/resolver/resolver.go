// Package resolver locates the best available byte source for a media
// variant without the caller knowing which storage strategy holds it.
// Candidates are tried strictly in order, never speculatively in parallel:
// a presign may consume a rate-limited credential, so deterministic ordering
// wins over latency.
package resolver

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/clipforge/api/internal/client"
	"github.com/clipforge/api/internal/logger"
	"github.com/clipforge/api/internal/model"
)

const presignExpiry = 10 * time.Minute

// remoteRefPrefix marks a rendered-variant path that lives in the fleet
// rather than on local disk: "remote:<jobId>".
const remoteRefPrefix = "remote:"

// MediaStore is the media lookup the resolver needs.
type MediaStore interface {
	FindByID(ctx context.Context, id string) (*model.Media, error)
}

// Presigner issues temporary read URLs for remote storage keys.
type Presigner interface {
	GetSignedURL(ctx context.Context, key string, expiry time.Duration) (string, error)
}

// NotFoundError reports an exhausted candidate chain, naming the variant so
// the 404 is specific.
type NotFoundError struct {
	Variant model.Variant
	Message string
}

func (e *NotFoundError) Error() string {
	return e.Message
}

// Resolution is a successful candidate: an open 2xx response plus the name
// of the candidate that produced it.
type Resolution struct {
	Response  *http.Response
	Candidate string
}

type Resolver struct {
	media      MediaStore
	storage    Presigner
	fleet      client.ArtifactFetcher
	httpClient *http.Client
	log        *logger.Logger
}

func New(media MediaStore, storage Presigner, fleet client.ArtifactFetcher, httpClient *http.Client, log *logger.Logger) *Resolver {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &Resolver{media: media, storage: storage, fleet: fleet, httpClient: httpClient, log: log}
}

type candidate struct {
	name  string
	fetch func(ctx context.Context) (*http.Response, error)
}

// Resolve finds the first candidate that answers with a body. A 404 from a
// candidate silently advances to the next; presign or network failures
// downgrade that candidate only. The inbound Range header is forwarded
// verbatim to every candidate.
func (r *Resolver) Resolve(ctx context.Context, mediaID string, variant model.Variant, rangeHeader string) (*Resolution, error) {
	media, err := r.media.FindByID(ctx, mediaID)
	if err != nil {
		return nil, err
	}

	candidates := r.candidatesFor(media, variant, rangeHeader)
	if len(candidates) == 0 {
		return nil, r.notFound(variant)
	}

	for _, c := range candidates {
		resp, err := c.fetch(ctx)
		if err != nil {
			r.log.Warnw("resolver_candidate_failed", "mediaId", mediaID, "candidate", c.name, "error", err)
			continue
		}
		if resp.StatusCode == http.StatusNotFound {
			resp.Body.Close()
			continue
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			r.log.Warnw("resolver_candidate_rejected", "mediaId", mediaID, "candidate", c.name, "httpStatus", resp.StatusCode)
			resp.Body.Close()
			continue
		}
		return &Resolution{Response: resp, Candidate: c.name}, nil
	}
	return nil, r.notFound(variant)
}

func (r *Resolver) candidatesFor(media *model.Media, variant model.Variant, rangeHeader string) []candidate {
	switch variant {
	case model.VariantSubtitles:
		return r.renderedCandidates(media.VideoWithSubtitlesPath, "rendered-subtitles", rangeHeader)
	case model.VariantAuto:
		candidates := r.renderedCandidates(media.VideoWithSubtitlesPath, "rendered-subtitles", rangeHeader)
		candidates = append(candidates, r.renderedCandidates(media.VideoWithInfoPath, "rendered-info", rangeHeader)...)
		return append(candidates, r.originalCandidates(media, rangeHeader)...)
	default:
		return r.originalCandidates(media, rangeHeader)
	}
}

// originalCandidates: presigned remote key first, then the download job's
// artifact, then any job id embedded in the remote key.
func (r *Resolver) originalCandidates(media *model.Media, rangeHeader string) []candidate {
	var candidates []candidate

	if media.RemoteVideoKey != "" && r.storage != nil {
		key := media.RemoteVideoKey
		candidates = append(candidates, candidate{
			name: "presigned-remote-key",
			fetch: func(ctx context.Context) (*http.Response, error) {
				signed, err := r.storage.GetSignedURL(ctx, key, presignExpiry)
				if err != nil {
					return nil, err
				}
				return r.fetchURL(ctx, signed, rangeHeader)
			},
		})
	}

	if media.DownloadJobID != "" && r.fleet != nil {
		candidates = append(candidates, r.artifactCandidate("download-job-artifact", media.DownloadJobID, rangeHeader))
	}

	if r.fleet != nil {
		for _, jobID := range embeddedJobIDs(media.RemoteVideoKey) {
			if jobID == media.DownloadJobID {
				continue
			}
			candidates = append(candidates, r.artifactCandidate("embedded-job-artifact", jobID, rangeHeader))
		}
	}
	return candidates
}

func (r *Resolver) renderedCandidates(path, name, rangeHeader string) []candidate {
	jobID, ok := parseRemoteRef(path)
	if !ok || r.fleet == nil {
		return nil
	}
	return []candidate{r.artifactCandidate(name, jobID, rangeHeader)}
}

func (r *Resolver) artifactCandidate(name, jobID, rangeHeader string) candidate {
	return candidate{
		name: name,
		fetch: func(ctx context.Context) (*http.Response, error) {
			return r.fleet.FetchArtifact(ctx, jobID, rangeHeader)
		},
	}
}

func (r *Resolver) fetchURL(ctx context.Context, rawURL, rangeHeader string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	if rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}
	return r.httpClient.Do(req)
}

func (r *Resolver) notFound(variant model.Variant) *NotFoundError {
	switch variant {
	case model.VariantSubtitles:
		return &NotFoundError{Variant: variant, Message: "subtitled source not available"}
	case model.VariantAuto:
		return &NotFoundError{Variant: variant, Message: "no playable source available"}
	default:
		return &NotFoundError{Variant: variant, Message: "original source not available"}
	}
}

// parseRemoteRef extracts the job id from a "remote:<jobId>" reference.
// Local file paths are not resolvable here.
func parseRemoteRef(path string) (string, bool) {
	if !strings.HasPrefix(path, remoteRefPrefix) {
		return "", false
	}
	jobID := strings.TrimPrefix(path, remoteRefPrefix)
	return jobID, jobID != ""
}

// embeddedJobIDs scans a storage key for job-id path segments ("job_...").
// Fleet workers key their uploads by job id, so a key like
// "videos/job_abc123/output.mp4" still resolves after the media row lost its
// download job id.
func embeddedJobIDs(key string) []string {
	var ids []string
	for _, segment := range strings.Split(key, "/") {
		if strings.HasPrefix(segment, "job_") && len(segment) > len("job_") {
			ids = append(ids, segment)
		}
	}
	return ids
}
