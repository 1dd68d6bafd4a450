package checkpoint

import (
	"math"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// Wire layout of a checkpoint file:
//
//	message Tensor     { string name = 1; repeated uint64 shape = 2; repeated fixed64 data = 3; }
//	message Checkpoint { uint64 step = 1; repeated Tensor params = 2; repeated Tensor slots = 3; uint64 updates = 4; }
const (
	tensorName  protowire.Number = 1
	tensorShape protowire.Number = 2
	tensorData  protowire.Number = 3

	ckptStep    protowire.Number = 1
	ckptParams  protowire.Number = 2
	ckptSlots   protowire.Number = 3
	ckptUpdates protowire.Number = 4
)

type tensor struct {
	name  string
	shape []int
	data  []float64
}

type payload struct {
	step    int64
	updates int64
	params  []tensor
	slots   []tensor
}

func appendTensor(b []byte, t tensor) []byte {
	var body []byte
	body = protowire.AppendTag(body, tensorName, protowire.BytesType)
	body = protowire.AppendString(body, t.name)

	var shape []byte
	for _, d := range t.shape {
		shape = protowire.AppendVarint(shape, uint64(d))
	}
	body = protowire.AppendTag(body, tensorShape, protowire.BytesType)
	body = protowire.AppendBytes(body, shape)

	data := make([]byte, 0, 8*len(t.data))
	for _, v := range t.data {
		data = protowire.AppendFixed64(data, math.Float64bits(v))
	}
	body = protowire.AppendTag(body, tensorData, protowire.BytesType)
	body = protowire.AppendBytes(body, data)
	return body
}

func (p payload) marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, ckptStep, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(p.step))
	for _, t := range p.params {
		b = protowire.AppendTag(b, ckptParams, protowire.BytesType)
		b = protowire.AppendBytes(b, appendTensor(nil, t))
	}
	for _, t := range p.slots {
		b = protowire.AppendTag(b, ckptSlots, protowire.BytesType)
		b = protowire.AppendBytes(b, appendTensor(nil, t))
	}
	b = protowire.AppendTag(b, ckptUpdates, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(p.updates))
	return b
}

func unmarshalPayload(b []byte) (payload, error) {
	var p payload
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return p, protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case (num == ckptStep || num == ckptUpdates) && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return p, protowire.ParseError(n)
			}
			if num == ckptStep {
				p.step = int64(v)
			} else {
				p.updates = int64(v)
			}
			b = b[n:]
		case (num == ckptParams || num == ckptSlots) && typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return p, protowire.ParseError(n)
			}
			t, err := unmarshalTensor(raw)
			if err != nil {
				return p, err
			}
			if num == ckptParams {
				p.params = append(p.params, t)
			} else {
				p.slots = append(p.slots, t)
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return p, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return p, nil
}

func unmarshalTensor(b []byte) (tensor, error) {
	var t tensor
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return t, protowire.ParseError(n)
		}
		b = b[n:]
		if typ != protowire.BytesType || num < tensorName || num > tensorData {
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return t, protowire.ParseError(n)
			}
			b = b[n:]
			continue
		}
		raw, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return t, protowire.ParseError(n)
		}
		b = b[n:]
		switch num {
		case tensorName:
			t.name = string(raw)
		case tensorShape:
			for len(raw) > 0 {
				d, m := protowire.ConsumeVarint(raw)
				if m < 0 {
					return t, protowire.ParseError(m)
				}
				t.shape = append(t.shape, int(d))
				raw = raw[m:]
			}
		case tensorData:
			if len(raw)%8 != 0 {
				return t, errors.Errorf("tensor %q: data length %d is not a multiple of 8", t.name, len(raw))
			}
			t.data = make([]float64, 0, len(raw)/8)
			for len(raw) > 0 {
				v, m := protowire.ConsumeFixed64(raw)
				if m < 0 {
					return t, protowire.ParseError(m)
				}
				t.data = append(t.data, math.Float64frombits(v))
				raw = raw[m:]
			}
		}
	}
	if t.name == "" {
		return t, errors.New("tensor without name")
	}
	return t, nil
}
