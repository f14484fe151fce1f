package camera

import (
	"github.com/vladimirvivien/go4vl/v4l2"
	"go.uber.org/zap"

	"pi-camera-stream/pkg/utils"
)

const (
	CtrlJPEGCompressionQuality v4l2.CtrlID = 10291459
)

var logger *zap.SugaredLogger

func init() {
	logger = utils.GetLogger().Named("camera")
}

// DefaultSettings are applied when no controls are configured.
func DefaultSettings() Settings {
	return Settings{
		CtrlJPEGCompressionQuality: 90,
	}
}
