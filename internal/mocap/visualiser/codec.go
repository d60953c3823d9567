package visualiser

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/banshee-data/mocap/internal/mocap"
)

// ToStruct renders rec as the wire message:
//
//	{"seq": n, "timestamp": RFC3339Nano,
//	 "objects": [{"slot", "valid", "views", "position": [x, y, z], "reprojection_error"}]}
func ToStruct(rec mocap.PoseRecord) (*structpb.Struct, error) {
	objects := make([]interface{}, len(rec.Objects))
	for i, o := range rec.Objects {
		objects[i] = map[string]interface{}{
			"slot":               float64(o.Slot),
			"valid":              o.Valid,
			"views":              float64(o.Views),
			"position":           []interface{}{o.Position.X, o.Position.Y, o.Position.Z},
			"reprojection_error": o.ReprojectionError,
		}
	}
	return structpb.NewStruct(map[string]interface{}{
		"seq":       float64(rec.Seq),
		"timestamp": rec.Timestamp.UTC().Format(time.RFC3339Nano),
		"objects":   objects,
	})
}

// FromStruct is the inverse of ToStruct.
func FromStruct(s *structpb.Struct) (mocap.PoseRecord, error) {
	var rec mocap.PoseRecord
	m := s.AsMap()
	if v, ok := m["seq"].(float64); ok {
		rec.Seq = uint64(v)
	}
	if v, ok := m["timestamp"].(string); ok && v != "" {
		ts, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return rec, fmt.Errorf("bad timestamp: %w", err)
		}
		rec.Timestamp = ts
	}
	objs, _ := m["objects"].([]interface{})
	for i, raw := range objs {
		om, ok := raw.(map[string]interface{})
		if !ok {
			return rec, fmt.Errorf("object %d is %T", i, raw)
		}
		var o mocap.ObjectPose
		if v, ok := om["slot"].(float64); ok {
			o.Slot = int(v)
		}
		o.Valid, _ = om["valid"].(bool)
		if v, ok := om["views"].(float64); ok {
			o.Views = int(v)
		}
		o.ReprojectionError, _ = om["reprojection_error"].(float64)
		pos, _ := om["position"].([]interface{})
		if len(pos) != 3 {
			return rec, fmt.Errorf("object %d position has %d components", i, len(pos))
		}
		xyz := make([]float64, 3)
		for k, c := range pos {
			f, ok := c.(float64)
			if !ok {
				return rec, fmt.Errorf("object %d position component %d is %T", i, k, c)
			}
			xyz[k] = f
		}
		o.Position.X, o.Position.Y, o.Position.Z = xyz[0], xyz[1], xyz[2]
		rec.Objects = append(rec.Objects, o)
	}
	return rec, nil
}
