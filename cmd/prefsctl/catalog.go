package main

import (
	"github.com/dshills/prefstore/internal/codec"
	"github.com/dshills/prefstore/internal/setting"
)

// Settings known to prefsctl. They back the demo, list --settings and
// reset-all commands.
var (
	catalog = setting.NewCatalog()

	opacity = setting.Declare(catalog, setting.Definition[float64]{
		Key:         "Opacity",
		DisplayName: "Window opacity",
		Default:     1.0,
		Clamp: func(v *float64) {
			*v = min(max(*v, 0), 1)
		},
	})

	recentFiles = setting.DeclareCollection(catalog, setting.CollectionDefinition[string]{
		Key:         "RecentFiles",
		DisplayName: "Recent files",
	})

	windowBounds = setting.Declare(catalog, setting.Definition[codec.Rect]{
		Key:         "WindowBounds",
		DisplayName: "Window bounds",
		Default:     codec.Rect{Width: 800, Height: 600},
		Validate: func(r codec.Rect) bool {
			return r.Width > 0 && r.Height > 0
		},
	})

	thumbnail = setting.Declare(catalog, setting.Definition[codec.Image]{
		Key:         "Thumbnail",
		DisplayName: "Window thumbnail",
		Immediate:   true,
	})
)
