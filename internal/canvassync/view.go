package canvassync

import (
	"github.com/google/uuid"

	"github.com/fusio/drawsync/internal/element"
)

// View is the rendering surface a session drives. Render receives the full
// collection to show.
type View interface {
	Render(elements element.Collection)
}

type ViewFunc func(elements element.Collection)

func (f ViewFunc) Render(elements element.Collection) {
	f(elements)
}

func NewParticipantID() string {
	return "participant-" + uuid.NewString()
}
