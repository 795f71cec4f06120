package remote

// The agent is a POSIX shell loop that runs inside the helper pod for the
// lifetime of one session. It reads tab-delimited command lines on stdin
// and answers on stdout, switching to raw length-prefixed byte transfer for
// file and archive payloads. Using a shell loop keeps the helper image
// requirements down to busybox: there's nothing to install on the cluster.
//
// The wire protocol, one request per line, fields separated by tabs:
//
//	PING <seq>
//	LIST <seq> <path>
//	STAT <seq> <path>
//	READ <seq> <path>
//	WRIT <seq> <mode> <mtime> <size> <path>   (followed by <size> raw bytes)
//	TARC <seq> <path>
//	TARX <seq> <size> <path>                  (followed by <size> raw tar bytes)
//	DELE <seq> <R|F> <path>
//	MKDR <seq> <path>
//	MOVE <seq> <old> <new>
//
// Responses echo the sequence number:
//
//	OK <seq> [payload...]
//	ERR <seq> <CODE> <message>
//
// LIST answers `OK <seq> <n>` followed by n entry lines
// `E <kind> <size> <mtime> <mode> <name>`. READ and TARC answer
// `OK <seq> <size>` followed by exactly <size> raw bytes. Paths containing
// tab or newline characters are rejected client-side; they can't be
// represented on the wire.

const agentScript = `
cd "$0" || exit 1
TAB=$(printf '\t')
reply() { printf 'OK\t%s\n' "$1"; }
fail() { printf 'ERR\t%s\t%s\t%s\n' "$1" "$2" "$3"; }
kindof() {
  if [ -L "$1" ]; then echo l
  elif [ -d "$1" ]; then echo d
  else echo f
  fi
}
while IFS="$TAB" read -r op seq a1 a2 a3 a4; do
  case "$op" in
  PING)
    reply "$seq"
    ;;
  LIST)
    p=${a1:-.}
    if [ ! -e "$p" ]; then fail "$seq" NOTFOUND "no such path"; continue; fi
    if [ ! -d "$p" ]; then fail "$seq" IO "not a directory"; continue; fi
    if [ ! -r "$p" ] || [ ! -x "$p" ]; then fail "$seq" DENIED "unreadable directory"; continue; fi
    tmp=/tmp/abyss-list.$$
    : > "$tmp"
    for f in "$p"/* "$p"/.[!.]* "$p"/..?*; do
      [ -e "$f" ] || [ -L "$f" ] || continue
      k=$(kindof "$f")
      set -- $(stat -c '%s %Y %a' "$f" 2>/dev/null) 0 0 0
      printf 'E\t%s\t%s\t%s\t%s\t%s\n' "$k" "$1" "$2" "$3" "${f##*/}" >> "$tmp"
    done
    printf 'OK\t%s\t%s\n' "$seq" "$(wc -l < "$tmp" | tr -d ' ')"
    cat "$tmp"
    rm -f "$tmp"
    ;;
  STAT)
    p=$a1
    if [ ! -e "$p" ] && [ ! -L "$p" ]; then fail "$seq" NOTFOUND "no such path"; continue; fi
    k=$(kindof "$p")
    set -- $(stat -c '%s %Y %a' "$p" 2>/dev/null) 0 0 0
    printf 'OK\t%s\t%s\t%s\t%s\t%s\n' "$seq" "$k" "$1" "$2" "$3"
    ;;
  READ)
    p=$a1
    if [ ! -e "$p" ]; then fail "$seq" NOTFOUND "no such path"; continue; fi
    if [ ! -f "$p" ]; then fail "$seq" IO "not a regular file"; continue; fi
    if [ ! -r "$p" ]; then fail "$seq" DENIED "unreadable file"; continue; fi
    sz=$(stat -c '%s' "$p")
    printf 'OK\t%s\t%s\n' "$seq" "$sz"
    head -c "$sz" "$p"
    ;;
  WRIT)
    mode=$a1 mtime=$a2 sz=$a3 p=$a4
    tmp="$p.abyss-staged.$$"
    if head -c "$sz" > "$tmp" 2>/dev/null; then
      chmod "$mode" "$tmp" 2>/dev/null
      touch -d "@$mtime" "$tmp" 2>/dev/null
      if mv "$tmp" "$p"; then reply "$seq"; else rm -f "$tmp"; fail "$seq" IO "rename into place failed"; fi
    else
      rm -f "$tmp"
      fail "$seq" IO "short write"
    fi
    ;;
  TARC)
    p=$a1
    if [ ! -e "$p" ]; then fail "$seq" NOTFOUND "no such path"; continue; fi
    tmp=/tmp/abyss-tar.$$
    if tar -cf "$tmp" -C "$p" . 2>/dev/null; then
      printf 'OK\t%s\t%s\n' "$seq" "$(stat -c '%s' "$tmp")"
      cat "$tmp"
    else
      fail "$seq" IO "archive failed"
    fi
    rm -f "$tmp"
    ;;
  TARX)
    sz=$a1 p=$a2
    tmp=/tmp/abyss-tar.$$
    head -c "$sz" > "$tmp"
    mkdir -p "$p"
    if tar -xf "$tmp" -C "$p" 2>/dev/null; then reply "$seq"; else fail "$seq" IO "extract failed"; fi
    rm -f "$tmp"
    ;;
  DELE)
    flag=$a1 p=$a2
    if [ ! -e "$p" ] && [ ! -L "$p" ]; then fail "$seq" NOTFOUND "no such path"; continue; fi
    if [ "$flag" = R ]; then
      if rm -rf -- "$p" 2>/dev/null; then reply "$seq"; else fail "$seq" DENIED "delete failed"; fi
    elif [ -d "$p" ]; then
      if rmdir -- "$p" 2>/dev/null; then reply "$seq"; else fail "$seq" IO "directory not empty"; fi
    else
      if rm -f -- "$p" 2>/dev/null; then reply "$seq"; else fail "$seq" DENIED "delete failed"; fi
    fi
    ;;
  MKDR)
    if mkdir -p -- "$a1" 2>/dev/null; then reply "$seq"; else fail "$seq" DENIED "mkdir failed"; fi
    ;;
  MOVE)
    if [ ! -e "$a1" ] && [ ! -L "$a1" ]; then fail "$seq" NOTFOUND "no such path"; continue; fi
    if [ -e "$a2" ]; then fail "$seq" EXISTS "target exists"; continue; fi
    if mv -- "$a1" "$a2" 2>/dev/null; then reply "$seq"; else fail "$seq" IO "move failed"; fi
    ;;
  '')
    ;;
  *)
    fail "$seq" IO "unknown operation"
    ;;
  esac
done
`

// AgentCommand returns the command that runs the agent inside the helper
// pod, rooted at the given mount path.
func AgentCommand(mountPath string) []string {
	return []string{"sh", "-c", agentScript, mountPath}
}
