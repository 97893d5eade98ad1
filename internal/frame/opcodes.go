package frame

// Opcode values this core recognizes, named per the JVM specification.
// Opcodes not listed here fall through to the UnknownOpcode error.
const (
	opAconstNull = 1
	opIconst0    = 3
	opIconst1    = 4
	opIconst2    = 5
	opIconst3    = 6
	opIconst4    = 7
	opIconst5    = 8
	opLconst0    = 9
	opLconst1    = 10
	opBipush     = 16
	opSipush     = 17
	opLdc        = 18
	opLdc2W      = 20
	opIload0     = 26
	opIload1     = 27
	opIload2     = 28
	opIload3     = 29
	opLload0     = 30
	opLload1     = 31
	opLload2     = 32
	opAload0     = 42
	opAload1     = 43
	opAload2     = 44
	opIaload     = 46
	opPop        = 87
	opDup        = 89
	opSwap       = 95
	opIadd       = 96
	opLadd       = 97
	opIsub       = 100
	opLsub       = 101
	opImul       = 104
	opLmul       = 105
	opIdiv       = 108
	opLdiv       = 109
	opIstore1    = 60
	opIstore2    = 61
	opAstore1    = 76
	opIastore    = 79
	opIinc       = 132
	opI2b        = 145
	opIfeq       = 153
	opIfne       = 154
	opIflt       = 155
	opIfge       = 156
	opIfgt       = 157
	opIfle       = 158
	opIfIcmpeq   = 159
	opIfIcmpne   = 160
	opIfIcmplt   = 161
	opIfIcmpge   = 162
	opIfIcmpgt   = 163
	opIfIcmple   = 164
	opGoto       = 167
	opIreturn    = 172
	opAreturn    = 176
	opReturn     = 177
	opGetstatic  = 178
	opPutstatic  = 179
	opGetfield   = 180
	opPutfield   = 181
	opInvokevirtual = 182
	opInvokespecial = 183
	opInvokestatic  = 184
	opNew           = 187
	opNewarray      = 188
	opArraylength   = 190
	opIfnull        = 198
	opIfnonnull     = 199
)
