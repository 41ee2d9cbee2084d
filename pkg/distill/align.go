package distill

// Stack names one of the two transformer stacks of an encoder-decoder model.
type Stack string

const (
	Encoder Stack = "encoder"
	Decoder Stack = "decoder"
)

// ComputeRatio returns the integer stride teacherLen/studentLen used to map student
// layers onto teacher layers. A teacher shallower than the student has no stride.
func ComputeRatio(teacherLen, studentLen int) (int, error) {
	if studentLen <= 0 || teacherLen < 0 {
		return 0, &AlignmentError{TeacherLayers: teacherLen, StudentLayers: studentLen}
	}
	ratio := teacherLen / studentLen
	if ratio == 0 {
		return 0, &AlignmentError{TeacherLayers: teacherLen, StudentLayers: studentLen}
	}
	return ratio, nil
}

// MapLayer returns the teacher layer aligned with studentIndex.
func MapLayer(studentIndex, ratio int) int {
	return studentIndex * ratio
}

// LayerPair is one aligned (student, teacher) index pair.
type LayerPair struct {
	Student int
	Teacher int
}

// StackAlignment is the layer map of one stack.
type StackAlignment struct {
	Stack         Stack
	TeacherLayers int
	StudentLayers int
	Ratio         int // 0 when the student stack is empty
}

// AlignStack computes the alignment of one stack. A student stack with no layers
// aligns to nothing and is not an error.
func AlignStack(stack Stack, teacherLayers, studentLayers int) (StackAlignment, error) {
	a := StackAlignment{Stack: stack, TeacherLayers: teacherLayers, StudentLayers: studentLayers}
	if studentLayers == 0 {
		return a, nil
	}
	ratio, err := ComputeRatio(teacherLayers, studentLayers)
	if err != nil {
		if ae, ok := err.(*AlignmentError); ok {
			ae.Stack = stack
		}
		return a, err
	}
	a.Ratio = ratio
	return a, nil
}

// AttentionPairs pairs student attention layer i with teacher attention layer i*ratio,
// for i in [0, StudentLayers).
func (a StackAlignment) AttentionPairs() []LayerPair {
	pairs := make([]LayerPair, 0, a.StudentLayers)
	for i := range a.StudentLayers {
		pairs = append(pairs, LayerPair{Student: i, Teacher: MapLayer(i, a.Ratio)})
	}
	return pairs
}

// HiddenPairs pairs student hidden state i with teacher hidden state i*ratio,
// for i in [1, StudentLayers]. Index 0, the embedding output, is compared separately.
func (a StackAlignment) HiddenPairs() []LayerPair {
	pairs := make([]LayerPair, 0, a.StudentLayers)
	for i := 1; i <= a.StudentLayers; i++ {
		pairs = append(pairs, LayerPair{Student: i, Teacher: MapLayer(i, a.Ratio)})
	}
	return pairs
}
