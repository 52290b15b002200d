// Package marshal converts instance records to and from column bindings.
//
// A Binder is created from a resolved mapping.Map and is safe for
// concurrent use: it only reads the map. Bind turns a Record into one row
// per table the class occupies (primary, joined and overflow tables);
// Unbind reverses it from a Row keyed by "table.column".
//
// # Record values
//
// Records are ordered by nothing but their keys; values are canonical Go
// types after binding:
//
//	int64, float64, bool, string   primitives
//	time.Time                      dateTime (UTC)
//	[]byte                         binary
//	Point2d, Point3d               points (all axes or none)
//	Navigation                     navigation properties
//	Record                         struct properties
//	[]any                          arrays
//
// Bind also accepts the loose shapes produced by JSON and YAML decoding
// (json.Number, "0x1f" identifiers, maps for points and navigations,
// dotted keys for struct members).
//
// A record either binds completely or not at all. Failures are *Error
// values scoped to the record.
package marshal
