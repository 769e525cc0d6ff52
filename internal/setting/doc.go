// Package setting provides typed, persisted settings with one live instance
// per key.
//
// A Manager binds settings to a backend store. The first call to Of (or
// OfCollection, OfDictionary) for a key loads the persisted value, or the
// default when nothing usable is stored, and registers the instance. Every
// later call for that key returns the same instance. New refuses to create
// a second instance and returns ErrDuplicateSingleton.
//
// Assignments run through the definition's Clamp and Validate hooks, are
// compared with the current value, notify observers, and are handed to the
// write coalescer so that rapid changes produce a single backend write:
//
//	opacity := setting.MustOf(m, setting.Definition[float64]{
//		Key:     "Opacity",
//		Default: 1.0,
//		Clamp:   func(v *float64) { *v = min(max(*v, 0), 1) },
//	})
//	opacity.Set(0.4)
//
// Collections and dictionaries persist their whole contents as one JSON
// blob and re-save on every structural change. Elements implementing
// Observable (for example by embedding Subject) re-save the container when
// they report a change.
//
// A Catalog records declarations so Manager.InitializeAll can instantiate
// every known setting, and Manager provides ResetAll, FlushAll and
// enumeration over everything registered.
package setting
