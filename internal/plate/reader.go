package plate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"gocv.io/x/gocv"

	"speedcam-service/internal/domain/traffic"
)

// Reader is the plate-recognition capability the pipeline consumes. The
// adapter is not trusted to self-validate; callers check the text against
// the configured plate pattern. Failures are treated as an empty result.
type Reader interface {
	Read(ctx context.Context, region traffic.Frame) ([]traffic.PlateResult, error)
}

// HTTPReader posts a JPEG of the vehicle region to an external ALPR
// service and decodes its candidate readouts.
type HTTPReader struct {
	endpoint string
	client   *http.Client
	log      zerolog.Logger
}

func NewHTTPReader(endpoint string, timeout time.Duration, log zerolog.Logger) *HTTPReader {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPReader{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
		log:      log.With().Str("component", "plate_reader").Logger(),
	}
}

type alprResponse struct {
	Results []struct {
		Plate      string  `json:"plate"`
		Confidence float64 `json:"confidence"`
		Box        struct {
			X1 float64 `json:"x1"`
			Y1 float64 `json:"y1"`
			X2 float64 `json:"x2"`
			Y2 float64 `json:"y2"`
		} `json:"box"`
	} `json:"results"`
}

func (r *HTTPReader) Read(ctx context.Context, region traffic.Frame) ([]traffic.PlateResult, error) {
	jpeg, err := gocv.IMEncode(gocv.JPEGFileExt, region.Mat)
	if err != nil {
		return nil, fmt.Errorf("encode region: %w", err)
	}
	defer jpeg.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("upload", "region.jpg")
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(jpeg.GetBytes()); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("alpr request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("alpr returned status %d", resp.StatusCode)
	}

	var decoded alprResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode alpr response: %w", err)
	}

	results := make([]traffic.PlateResult, 0, len(decoded.Results))
	for _, res := range decoded.Results {
		results = append(results, traffic.PlateResult{
			Text:       res.Plate,
			Confidence: res.Confidence,
			Box: traffic.BBox{
				X1: res.Box.X1, Y1: res.Box.Y1,
				X2: res.Box.X2, Y2: res.Box.Y2,
			},
		})
	}
	return results, nil
}
