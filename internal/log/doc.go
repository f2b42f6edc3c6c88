// Package log provides the leveled, printf-style logger shared by every udpot component.
// Messages are conventionally formatted as "component: message: key=value ..." so that each line
// can be attributed to the part of the system that produced it.
package log
