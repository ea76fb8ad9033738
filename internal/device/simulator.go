package device

import (
	"context"
	"crypto/sha256"
	"image"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/jtejido/sourceafis"
	safisconfig "github.com/jtejido/sourceafis/config"
	"github.com/rs/zerolog/log"
)

// One-time extraction engine setup shared by all simulator handles. The
// underlying library keeps process-wide configuration, so it is initialized
// once and never reloaded per session.
var engineOnce sync.Once

func initEngine() {
	engineOnce.Do(func() {
		safisconfig.LoadDefaultConfig()
		safisconfig.Config.Workers = runtime.NumCPU()
	})
}

type discardTransparency struct{}

func (discardTransparency) Accepts(key string) bool                    { return false }
func (discardTransparency) Accept(key, mime string, data []byte) error { return nil }

const (
	simWidth  = 300
	simHeight = 400
)

// Simulator is a software Reader backed by a directory of fingerprint sample
// images. Each Capture serves the next sample in lexical order; an exhausted
// or empty directory behaves like a reader nobody touches, ending in a
// capture timeout. Extraction gates on real minutiae detection so poor
// samples fail the same way they would on hardware.
type Simulator struct {
	mu sync.Mutex

	sampleDir string
	samples   []string
	next      int

	created bool
	opened  bool

	brightness int
	format     TemplateFormat
	led        bool
}

// NewSimulator returns an unconnected simulator serving samples from dir.
func NewSimulator(dir string) *Simulator {
	return &Simulator{sampleDir: dir, brightness: 50, format: FormatSG400}
}

func (s *Simulator) Create() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.created {
		return &Error{Op: "create", Code: CodeCreationFailed}
	}
	initEngine()
	s.created = true
	return nil
}

func (s *Simulator) Init(selector uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.created {
		return &Error{Op: "init", Code: CodeCallFailed}
	}
	return nil
}

func (s *Simulator) Open(index int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.created {
		return &Error{Op: "open", Code: CodeCallFailed}
	}
	entries, err := os.ReadDir(s.sampleDir)
	if err != nil {
		return &Error{Op: "open", Code: CodeNotFound}
	}
	s.samples = s.samples[:0]
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".pgm", ".pbm", ".ppm", ".pnm", ".wsq", ".png", ".jpg", ".jpeg":
			s.samples = append(s.samples, filepath.Join(s.sampleDir, e.Name()))
		}
	}
	sort.Strings(s.samples)
	s.next = 0
	s.opened = true
	log.Debug().Int("samples", len(s.samples)).Str("dir", s.sampleDir).Msg("simulator opened")
	return nil
}

func (s *Simulator) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.opened = false
	return nil
}

func (s *Simulator) Terminate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.created = false
	return nil
}

func (s *Simulator) Info() (Info, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.opened {
		return Info{}, &Error{Op: "info", Code: CodeCallFailed}
	}
	return Info{SerialNumber: "SIM-0001", Width: simWidth, Height: simHeight, DPI: 500}, nil
}

func (s *Simulator) SetBrightness(level int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if level < 0 || level > 100 {
		return &Error{Op: "set brightness", Code: CodeInvalidParam}
	}
	s.brightness = level
	return nil
}

func (s *Simulator) SetTemplateFormat(format TemplateFormat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.format = format
	return nil
}

func (s *Simulator) SetLED(on bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.led = on
	return nil
}

// LED reports the current LED state. Test hook, not part of Reader.
func (s *Simulator) LED() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.led
}

func (s *Simulator) Capture(ctx context.Context, timeout time.Duration, qualityThreshold int) ([]byte, error) {
	s.mu.Lock()
	if !s.opened {
		s.mu.Unlock()
		return nil, &Error{Op: "capture", Code: CodeCallFailed}
	}
	var path string
	if s.next < len(s.samples) {
		path = s.samples[s.next]
		s.next++
	}
	s.mu.Unlock()

	if path == "" {
		// Nobody home: behave like a sensor waiting out its timeout.
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(timeout):
			return nil, &Error{Op: "capture", Code: CodeTimeout}
		}
	}

	gray, err := loadGray(path)
	if err != nil {
		log.Warn().Err(err).Str("sample", path).Msg("sample decode failed")
		return nil, &Error{Op: "capture", Code: CodeWrongImage}
	}
	buf := fitGray(gray, simWidth, simHeight)
	if score := contrastScore(buf); score < qualityThreshold {
		return nil, &Error{Op: "capture", Code: CodeWrongImage}
	}
	return buf, nil
}

func (s *Simulator) Quality(imageBuf []byte, width, height int) (int, error) {
	if len(imageBuf) != width*height {
		return 0, &Error{Op: "quality", Code: CodeInvalidParam}
	}
	return contrastScore(imageBuf), nil
}

// templateEnvelope is the simulator's template wire format, versioned so
// stored templates stay decodable if the layout grows.
type templateEnvelope struct {
	Version  int    `cbor:"v"`
	Format   uint16 `cbor:"fmt"`
	Quality  int    `cbor:"q"`
	Width    int    `cbor:"w"`
	Height   int    `cbor:"h"`
	Digest   []byte `cbor:"dig"`
	Pixels   []byte `cbor:"px"`
	Captured int64  `cbor:"ts"`
}

func (s *Simulator) Extract(imageBuf []byte, quality int) ([]byte, error) {
	s.mu.Lock()
	format := s.format
	s.mu.Unlock()

	if len(imageBuf) != simWidth*simHeight {
		return nil, &Error{Op: "extract", Code: CodeInvalidParam}
	}

	gray := grayFromRaw(imageBuf, simWidth, simHeight)
	if err := s.minutiaeGate(gray); err != nil {
		return nil, err
	}

	sum := sha256.Sum256(imageBuf)
	env := templateEnvelope{
		Version:  1,
		Format:   uint16(format),
		Quality:  quality,
		Width:    simWidth,
		Height:   simHeight,
		Digest:   sum[:],
		Pixels:   imageBuf,
		Captured: time.Now().Unix(),
	}
	out, err := cbor.Marshal(env)
	if err != nil {
		return nil, &Error{Op: "extract", Code: CodeCallFailed}
	}
	return out, nil
}

// minutiaeGate runs the extraction engine over the frame and rejects images
// it cannot template, mirroring the hardware's feature-count check.
func (s *Simulator) minutiaeGate(gray *image.Gray) error {
	img, err := sourceafis.NewFromGray(gray)
	if err != nil {
		return &Error{Op: "extract", Code: CodeWrongImage}
	}
	tc := sourceafis.NewTemplateCreator(sourceafis.NewTransparencyLogger(discardTransparency{}))
	if _, err := tc.Template(img); err != nil {
		return &Error{Op: "extract", Code: CodeFeatNumber}
	}
	return nil
}

// contrastScore rates a raw frame 0..100 from its gray-level spread. A blank
// or saturated frame scores near zero, a well-ridged print scores high.
func contrastScore(buf []byte) int {
	if len(buf) == 0 {
		return 0
	}
	var sum float64
	for _, p := range buf {
		sum += float64(p)
	}
	mean := sum / float64(len(buf))
	var varsum float64
	for _, p := range buf {
		d := float64(p) - mean
		varsum += d * d
	}
	variance := varsum / float64(len(buf))
	// Empirically a variance around 4000 is a crisp ridge pattern.
	score := int(variance / 40)
	if score > 100 {
		score = 100
	}
	return score
}
