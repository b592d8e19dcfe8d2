package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/penginpenguin/cocrea/internal/llm"
	"github.com/penginpenguin/cocrea/internal/prompt"
)

// Kind tags the two runtime contracts a session can drive.
type Kind int

const (
	RawCompletion Kind = iota
	ChatCompletion
)

func (k Kind) String() string {
	switch k {
	case RawCompletion:
		return "raw-completion"
	case ChatCompletion:
		return "chat-completion"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Turn is everything a flavor needs to answer one prompt.
type Turn struct {
	History      []llm.Message // trimmed; index 0 is the system message
	Input        string
	SystemPrompt string
	Temperature  float64
}

// Reply is a flavor's cleaned answer.
type Reply struct {
	Text  string
	Usage *llm.Usage
}

// Flavor adapts one runtime contract to the session state machine. The
// first Load constructs the runtime; later loads reload it in place.
type Flavor interface {
	Kind() Kind
	Load(ctx context.Context, modelID string, onProgress llm.ProgressFunc) error
	Ask(ctx context.Context, turn Turn) (Reply, error)
}

var errNoEngine = errors.New("engine not constructed")

type reloader interface {
	Reload(ctx context.Context, modelID string, onProgress llm.ProgressFunc) error
}

// slot holds a flavor's runtime. The first load constructs it and later
// loads reload it in place. A runtime whose reload fails is closed and
// constructed again, so a dead connection or process is never reused.
type slot[E reloader] struct {
	construct func(ctx context.Context, modelID string, onProgress llm.ProgressFunc) (E, error)

	mu     sync.Mutex
	engine E
	built  bool
}

func (s *slot[E]) load(ctx context.Context, modelID string, onProgress llm.ProgressFunc) error {
	if eng, ok := s.get(); ok {
		if err := eng.Reload(ctx, modelID, onProgress); err == nil {
			return nil
		}
		s.drop()
	}

	eng, err := s.construct(ctx, modelID, onProgress)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.engine, s.built = eng, true
	s.mu.Unlock()
	return nil
}

func (s *slot[E]) get() (E, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.engine, s.built
}

func (s *slot[E]) drop() {
	s.mu.Lock()
	eng, built := s.engine, s.built
	var zero E
	s.engine, s.built = zero, false
	s.mu.Unlock()

	if c, ok := any(eng).(io.Closer); built && ok {
		c.Close()
	}
}

// rawFlavor drives a raw-completion runtime through the prompt renderer
// and the echo stripper.
type rawFlavor struct {
	slot[llm.RawEngine]
	opts llm.GenerateOptions
}

// NewRawFlavor returns a raw-completion flavor. opts supplies every
// sampling parameter except temperature, which comes from the turn.
func NewRawFlavor(construct llm.RawConstructor, opts llm.GenerateOptions) Flavor {
	return &rawFlavor{slot: slot[llm.RawEngine]{construct: construct}, opts: opts}
}

func (f *rawFlavor) Kind() Kind { return RawCompletion }

func (f *rawFlavor) Load(ctx context.Context, modelID string, onProgress llm.ProgressFunc) error {
	return f.load(ctx, modelID, onProgress)
}

func (f *rawFlavor) Ask(ctx context.Context, turn Turn) (Reply, error) {
	eng, ok := f.get()
	if !ok {
		return Reply{}, errNoEngine
	}

	rendered := prompt.Render(turn.History, turn.Input, turn.SystemPrompt)
	opts := f.opts
	opts.Temperature = turn.Temperature

	res, err := eng.Generate(ctx, rendered, opts)
	if err != nil {
		return Reply{}, err
	}
	if res == nil {
		res = &llm.RawResult{}
	}
	return Reply{
		Text:  prompt.Strip(res.GeneratedText, rendered),
		Usage: res.Usage,
	}, nil
}

// chatFlavor sends structured turns; the runtime returns only new content.
type chatFlavor struct {
	slot[llm.ChatEngine]
}

// NewChatFlavor returns a chat-completion flavor.
func NewChatFlavor(construct llm.ChatConstructor) Flavor {
	return &chatFlavor{slot: slot[llm.ChatEngine]{construct: construct}}
}

func (f *chatFlavor) Kind() Kind { return ChatCompletion }

func (f *chatFlavor) Load(ctx context.Context, modelID string, onProgress llm.ProgressFunc) error {
	return f.load(ctx, modelID, onProgress)
}

func (f *chatFlavor) Ask(ctx context.Context, turn Turn) (Reply, error) {
	eng, ok := f.get()
	if !ok {
		return Reply{}, errNoEngine
	}

	messages := make([]llm.Message, 0, len(turn.History)+1)
	messages = append(messages, turn.History...)
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: turn.Input})

	res, err := eng.Complete(ctx, llm.ChatRequest{
		Messages:    messages,
		Temperature: turn.Temperature,
	})
	if err != nil {
		return Reply{}, err
	}
	if res == nil {
		res = &llm.ChatResult{}
	}
	return Reply{Text: res.Content(), Usage: res.Usage}, nil
}
