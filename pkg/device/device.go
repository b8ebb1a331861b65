package device

import "fmt"

type Type int32

const (
	TypeNPU Type = 0
	TypeCPU Type = 1
)

func (t Type) String() string {
	switch t {
	case TypeNPU:
		return "npu"
	case TypeCPU:
		return "cpu"
	default:
		return fmt.Sprintf("type%d", int32(t))
	}
}

// Info identifies a compute device. Two endpoints are co-located iff their keys match.
type Info struct {
	Type     Type  `yaml:"type" validate:"gte=0"`
	NodeID   int32 `yaml:"nodeID" validate:"gte=0"`
	DeviceID int32 `yaml:"deviceID" validate:"gte=0"`
}

func New(t Type, nodeID, deviceID int32) Info {
	return Info{Type: t, NodeID: nodeID, DeviceID: deviceID}
}

func (d Info) Key() string {
	return fmt.Sprintf("%d_%d_%d", int32(d.Type), d.NodeID, d.DeviceID)
}

func (d Info) String() string {
	return fmt.Sprintf("%s(node=%d, device=%d)", d.Type, d.NodeID, d.DeviceID)
}

// CoLocated reports whether a and b resolve to the same physical device.
func CoLocated(a, b Info) bool {
	return a.Key() == b.Key()
}
