package service

import (
	"github.com/garyjia/invoice-approval/internal/application/port"
	"github.com/garyjia/invoice-approval/internal/domain/entity"
)

// StaticDirectory is an ApproverDirectory backed by a fixed level map
type StaticDirectory map[entity.Level]port.Approver

// ApproverFor returns the approver configured for level
func (d StaticDirectory) ApproverFor(level entity.Level) (port.Approver, bool) {
	a, ok := d[level]
	if !ok || (a.Name == "" && a.Email == "") {
		return port.Approver{}, false
	}
	return a, true
}
