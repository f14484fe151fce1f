package main

import (
	"flag"
	"log"
	"os"

	"github.com/goccy/go-json"
	dev "github.com/vladimirvivien/go4vl/device"
	"github.com/vladimirvivien/go4vl/v4l2"

	"pi-camera-stream/pkg/camera"
)

// Control is one device control in the shape the config file's "controls"
// map takes: id -> value.
type Control struct {
	ID      v4l2.CtrlID    `json:"id"`
	Name    string         `json:"name"`
	Min     int32          `json:"min"`
	Max     int32          `json:"max"`
	Step    int32          `json:"step"`
	Default int32          `json:"default"`
	Value   v4l2.CtrlValue `json:"value"`
	Menu    []string       `json:"menu,omitempty"`
}

func main() {
	devName := camera.DefaultDevice
	flag.StringVar(&devName, "d", devName, "device name (path)")
	flag.Parse()

	device, err := dev.Open(devName)
	if err != nil {
		log.Fatalf("failed to open device: %s", err)
	}
	defer device.Close()

	ctrls, err := device.QueryAllControls()
	if err != nil {
		log.Fatal(err)
	}

	res := make([]Control, 0, len(ctrls))
	for _, ctrl := range ctrls {
		c := Control{
			ID:      ctrl.ID,
			Name:    ctrl.Name,
			Min:     ctrl.Minimum,
			Max:     ctrl.Maximum,
			Step:    ctrl.Step,
			Default: ctrl.Default,
			Value:   ctrl.Value,
		}
		if ctrl.IsMenu() {
			if menus, err := ctrl.GetMenuItems(); err == nil {
				for _, m := range menus {
					c.Menu = append(c.Menu, m.Name)
				}
			}
		}
		res = append(res, c)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "    ")
	if err := enc.Encode(res); err != nil {
		log.Fatal(err)
	}
}
