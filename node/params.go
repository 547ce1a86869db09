package node

// EnumParams enumerates descriptors of kind id, starting at start and
// emitting up to num that pass filter (§4.4). Unrecognized ids yield no
// descriptors rather than an error, matching enum_params' "just stop
// emitting" contract.
func (n *Node) EnumParams(id ParamID, start, num int, filter Filter) []Descriptor {
	if filter == nil {
		filter = AcceptAll
	}

	var out []Descriptor
	emit := func(d Descriptor) bool {
		if !filter(d) {
			return true
		}
		out = append(out, d)
		return len(out) < num
	}

	// Producers that take no start index of their own go through
	// emitFrom, which drops the first start descriptors they produce.
	skip := start
	emitFrom := func(d Descriptor) bool {
		if skip > 0 {
			skip--
			return true
		}
		return emit(d)
	}

	switch id {
	case ParamPropInfo:
		n.enumPropInfo(start, emit)
	case ParamProps:
		n.enumProps(start, emit)
	case ParamEnumFormat:
		n.port.enumFormat(start, emit)
	case ParamFormat:
		n.port.enumCurrentFormat(emitFrom)
	case ParamBuffers:
		n.port.enumBuffers(emitFrom)
	case ParamMeta:
		// No metadata regions are advertised by this core.
	case ParamIO:
		n.port.enumIO(emitFrom)
	case ParamLatency:
		n.port.enumLatency(emitFrom)
	}
	return out
}

func (n *Node) enumPropInfo(start int, emit func(Descriptor) bool) {
	if n.codec == nil {
		return
	}
	sess := n.engine.codecSession()
	for i := start; ; i++ {
		name, ok := n.codec.EnumProps(sess, i)
		if !ok {
			return
		}
		if !emit(Descriptor{ID: ParamPropInfo, Value: name}) {
			return
		}
	}
}

func (n *Node) enumProps(start int, emit func(Descriptor) bool) {
	if start > 0 {
		return
	}
	emit(Descriptor{ID: ParamProps, Value: n.clockName})
}

func (p *Port) enumFormat(start int, emit func(Descriptor) bool) {
	if p.node.codec == nil {
		return
	}
	sess := p.node.engine.codecSession()
	for i := start; ; i++ {
		f, ok := p.node.codec.EnumConfig(sess, i)
		if !ok {
			return
		}
		if !emit(Descriptor{ID: ParamEnumFormat, Value: f}) {
			return
		}
	}
}

func (p *Port) enumCurrentFormat(emit func(Descriptor) bool) {
	p.mu.Lock()
	format, have := p.format, p.haveFormat
	p.mu.Unlock()
	if !have {
		return
	}
	emit(Descriptor{ID: ParamFormat, Value: format})
}

// enumBuffers advertises a single Buffers descriptor: Count 32, one
// block per buffer, stride = frame_size, and Size = quantum_limit
// frames, raised to 16 frames when the limit is smaller. BuffersParam
// holds one value per field, so no count or size range is advertised,
// and Size is not capped at math.MaxInt32.
func (p *Port) enumBuffers(emit func(Descriptor) bool) {
	p.mu.Lock()
	format, have := p.format, p.haveFormat
	p.mu.Unlock()
	if !have {
		return
	}

	frameSize := format.FrameSize()
	if frameSize <= 0 {
		return
	}

	const minQuanta = 16
	minSize := minQuanta * frameSize
	quantumLimit := p.node.cfg.QuantumLimit
	preferred := int(quantumLimit) * frameSize
	if preferred < minSize {
		preferred = minSize
	}

	emit(Descriptor{ID: ParamBuffers, Value: BuffersParam{
		Count:  32,
		Blocks: 1,
		Size:   preferred,
		Stride: frameSize,
	}})
}

func (p *Port) enumIO(emit func(Descriptor) bool) {
	if !emit(Descriptor{ID: ParamIO, Value: IOBuffers}) {
		return
	}
	emit(Descriptor{ID: ParamIO, Value: IORateMatch})
}

func (p *Port) enumLatency(emit func(Descriptor) bool) {
	p.mu.Lock()
	format, have := p.format, p.haveFormat
	p.mu.Unlock()
	if !have {
		return
	}
	emit(Descriptor{ID: ParamLatency, Value: [2]int{int(p.node.cfg.QuantumLimit), format.Rate}})
}
